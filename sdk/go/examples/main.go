package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ChainChat/sdk/go/chainchat"
)

// 连接运行中的 chaind，发送一条消息，并在终端里确认所有转账请求。
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "chaind address")
	message := flag.String("message", "What is my balance?", "message to send")
	approve := flag.Bool("approve", false, "approve confirmation prompts")
	local := flag.Bool("local", false, "use the local model backend")
	flag.Parse()

	client, err := chainchat.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conv, err := client.CreateConversation(ctx, "")
	if err != nil {
		log.Fatal(err)
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		done <- client.StreamEvents(streamCtx, conv.ID, func(evt chainchat.Event) error {
			switch evt.Name {
			case "snapshot":
				close(ready)
			case "text_delta":
				fmt.Print(evt.Delta)
			case "confirmation_requested":
				fmt.Printf("\n[confirm] %s (approve=%t)\n", evt.Prompt.Message, *approve)
				if _, err := client.Decide(ctx, conv.ID, evt.Prompt.InvocationID, *approve); err != nil {
					return err
				}
			case "invocation":
				if evt.Invocation.Terminal() {
					fmt.Printf("\n[%s] %s\n", evt.Invocation.ToolName, evt.Invocation.State)
				}
			case "turn_aborted":
				fmt.Fprintln(os.Stderr, "\n"+evt.Error)
				stopStream()
			case "turn_completed":
				fmt.Println()
				stopStream()
			}
			return nil
		})
	}()

	select {
	case <-ready:
	case err := <-done:
		log.Fatal(err)
	}
	if err := client.SendMessage(ctx, conv.ID, *message, *local); err != nil {
		log.Fatal(err)
	}
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
