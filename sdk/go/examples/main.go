// Command examples streams one chat turn against a running ChainPulse server.
//
//	go run ./sdk/go/examples -addr http://localhost:8080 "what is the latest bitcoin block?"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ChainPulse/sdk/go/chainpulse"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "ChainPulse server address")
	session := flag.String("session", "", "session id, defaults to the connection id")
	flag.Parse()

	question := strings.Join(flag.Args(), " ")
	if question == "" {
		question = "What is the latest block and the current fee?"
	}
	if err := run(*addr, *session, question); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(addr, session, question string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	client, err := chainpulse.NewClient(addr, nil)
	if err != nil {
		return err
	}
	if block, err := client.LatestBlock(ctx); err == nil {
		fmt.Printf("cached block: %s #%d\n", block.Chain, block.Height)
	}

	conn, err := chainpulse.Dial(ctx, client.WebSocketURL())
	if err != nil {
		return err
	}
	defer conn.Close()

	events, err := conn.Chat(ctx, session, question)
	if err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case "text":
			fmt.Print(ev.Content)
		case "step":
			fmt.Printf("\n[%s] %s\n", ev.Step.Type, ev.Step.Title)
		case "tool_call":
			fmt.Printf("\n[tool] %s %s\n", ev.ToolCall.Name, ev.ToolCall.Status)
		case "done":
			fmt.Println()
		case "error":
			fmt.Println()
			if ev.Error != nil {
				return ev.Error
			}
			return fmt.Errorf("turn failed: %s", ev.Content)
		}
	}
	return nil
}
