// Package main provides a CLI client that tails a flowlab log stream
// over WebSocket.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "backend host:port")
	source := flag.String("source", "probe", "log source to tail: probe or capture")
	flag.Parse()

	if *source != "probe" && *source != "capture" {
		fmt.Fprintf(os.Stderr, "unknown source %q (want probe or capture)\n", *source)
		os.Exit(2)
	}

	url := fmt.Sprintf("ws://%s/ws/%s", *addr, *source)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					fmt.Fprintln(os.Stderr, "-- stream ended --")
				} else {
					log.Printf("read: %v", err)
				}
				return
			}
			fmt.Print(strings.TrimRight(string(data), "\n") + "\n")
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		<-done
	}
}
