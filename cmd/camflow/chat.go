package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/camflowhq/camflow/pkg/chat"
)

// runChatCommand runs the interactive assistant session.
func runChatCommand(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	transportFlag := fs.String("transport", "", "transport variant: websocket or rest (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	deps, err := initDependenciesFn()
	if err != nil {
		return err
	}
	defer deps.Close()

	chatCfg := deps.cfg.Chat
	if *transportFlag != "" {
		chatCfg.Transport = *transportFlag
	}

	transport, err := chat.New(chatCfg, deps.sessions, deps.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nInterrupted - closing chat")
		cancel()
	}()

	vm := chat.NewViewModel(transport, deps.logger)
	vm.Observe(renderEvent)
	if err := vm.Start(ctx); err != nil {
		return err
	}
	defer vm.Stop()

	fmt.Println("Connected to the booking assistant. Type a message, or :q to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == ":q" || text == ":quit" {
				return nil
			}
			if text == ":retry" {
				if err := vm.Retry(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "retry failed: %v\n", err)
				}
				continue
			}
			if err := vm.SendMessage(ctx, text); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

func renderEvent(ev chat.Event) {
	switch ev.Type {
	case chat.EventStateChanged:
		fmt.Printf("[%s]\n", ev.State)
		if ev.State == chat.StateError {
			fmt.Println("Connection failed. Type :retry to reconnect.")
		}
	case chat.EventHistory:
		for _, msg := range ev.Messages {
			printMessage(msg)
		}
	case chat.EventResponse:
		if ev.Message != nil {
			printMessage(*ev.Message)
		}
	case chat.EventTyping:
		if ev.Typing {
			fmt.Println("assistant is typing...")
		}
	case chat.EventActionFeedback:
		if ev.Feedback != nil {
			fmt.Printf("✓ %s (%s)\n", ev.Feedback.Message, ev.Feedback.Status)
		}
	case chat.EventError:
		if ev.Err != nil {
			fmt.Fprintf(os.Stderr, "assistant error: %v\n", ev.Err)
		}
	}
}

func printMessage(msg chat.Message) {
	prefix := "you"
	switch msg.SenderType {
	case chat.SenderAI:
		prefix = "assistant"
	case chat.SenderSystem:
		prefix = "system"
	}
	fmt.Printf("%s> %s\n", prefix, msg.Content)
}
