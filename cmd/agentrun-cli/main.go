// Package main provides a simple CLI client for starting runs and tailing their events.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/rpc"
)

// Tail streams the events of one run.
type Tail struct {
	conn *websocket.Conn
	done chan struct{}
}

// NewTail connects to the event stream of runID.
func NewTail(base, runID, ownerID string) (*Tail, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v1/runs/" + url.PathEscape(runID) + "/events/ws")
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("owner_id", ownerID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Tail{conn: conn, done: make(chan struct{})}, nil
}

// Close closes the stream.
func (t *Tail) Close() error {
	return t.conn.Close()
}

// Done is closed once the stream ends.
func (t *Tail) Done() <-chan struct{} {
	return t.done
}

// ReadEvents prints events until the server closes the stream.
func (t *Tail) ReadEvents() {
	defer close(t.done)
	for {
		var event domain.Event
		if err := t.conn.ReadJSON(&event); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Read error: %v", err)
			}
			return
		}

		payload := "{}"
		if len(event.Payload) > 0 {
			var pretty map[string]any
			if json.Unmarshal(event.Payload, &pretty) == nil {
				formatted, _ := json.MarshalIndent(pretty, "", "  ")
				payload = string(formatted)
			}
		}
		fmt.Printf("\n[%d %s]\n%s\n", event.Seq, event.Type, payload)
	}
}

func main() {
	rpcAddr := flag.String("rpc", "localhost:8082", "engine RPC address")
	wsBase := flag.String("ws", "ws://localhost:8080", "engine websocket base URL")
	owner := flag.String("owner", "", "owner (user) id")
	flag.Parse()

	log.SetFlags(log.Ltime)
	if *owner == "" {
		log.Fatal("-owner is required")
	}

	client := rpc.NewClient(*rpcAddr)
	var (
		runID string
		tail  *Tail
	)
	defer func() {
		if tail != nil {
			tail.Close()
		}
	}()

	fmt.Println("Type a goal and press Enter to start a run. Later lines are sent as follow-ups.")
	fmt.Println("Commands: /cancel to cancel the run, /quit to exit")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		var input string
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			input = line
		}
		if input == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		switch {
		case input == "/quit":
			cancel()
			fmt.Println("Bye!")
			return
		case input == "/cancel":
			if runID == "" {
				fmt.Println("No run started")
				break
			}
			resp, err := client.CancelRun(ctx, runID, *owner)
			if err != nil {
				log.Printf("Cancel error: %v", err)
				break
			}
			fmt.Printf("Run %s is %s\n", resp.RunID, resp.Status)
		case runID == "" || (tail != nil && isClosed(tail.Done())):
			resp, err := client.CreateRun(ctx, domain.CreateRunRequest{Goal: input, OwnerID: *owner})
			if err != nil {
				log.Printf("Create error: %v", err)
				break
			}
			runID = resp.RunID
			fmt.Printf("Run %s accepted (%s)\n", runID, resp.Status)

			if tail != nil {
				tail.Close()
			}
			tail, err = NewTail(*wsBase, runID, *owner)
			if err != nil {
				log.Printf("Stream error: %v", err)
				break
			}
			go tail.ReadEvents()
		default:
			resp, err := client.SendMessage(ctx, runID, domain.SendMessageRequest{OwnerID: *owner, Content: input})
			if err != nil {
				log.Printf("Send error: %v", err)
				break
			}
			fmt.Printf("Message %d sent\n", resp.Seq)
		}
		cancel()
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
