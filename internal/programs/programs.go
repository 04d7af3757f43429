// Package programs holds the programs the mobius binary ships with.
package programs

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/AltairaLabs/mobius/internal/ordering"
	"github.com/AltairaLabs/mobius/internal/sandbox"
)

// ChatTopic is the broadcast topic the chat program uses
const ChatTopic = "chat"

// Register adds every built-in program to r
func Register(r *sandbox.Registry) error {
	for name, p := range map[string]sandbox.Program{
		"counter": Counter,
		"chat":    Chat,
		"clock":   Clock,
		"greeter": Greeter,
	} {
		if err := r.Register(name, p); err != nil {
			return err
		}
	}
	return nil
}

// Counter counts clicks sent by the client
func Counter(rt *sandbox.Runtime) error {
	doc := rt.Document()
	doc.SetTitle("Counter")
	count := 0
	doc.Set("count", count)
	_, err := rt.ClientChannel(func(args []any) {
		count++
		doc.Set("count", count)
	}, nil, nil, "", true)
	return err
}

// Chat relays messages typed by the client to every other chat session
func Chat(rt *sandbox.Runtime) error {
	doc := rt.Document()
	doc.SetTitle("Chat")
	var lines []string
	if _, err := rt.Receive(ChatTopic, func(payload any) {
		lines = append(lines, fmt.Sprint(payload))
		doc.Set("messages", lines)
	}); err != nil {
		return err
	}
	_, err := rt.Input("Message", "", func(value string) {
		if value == "" {
			return
		}
		rt.Broadcast(ChatTopic, value, func(_ any, err error) {
			if err != nil {
				rt.Logger().Warn("chat broadcast failed", "error", err)
			}
		})
	})
	return err
}

// Clock shows a server time that both sides agree on and a lucky number
func Clock(rt *sandbox.Runtime) error {
	doc := rt.Document()
	doc.SetTitle("Clock")
	started, err := rt.CoordinateValue(func() (any, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	}, "string")
	if err != nil {
		return err
	}
	doc.Set("started", started)
	lucky, err := rt.CoordinateValue(func() (any, error) {
		return rand.Intn(100), nil
	}, "integer")
	if err != nil {
		return err
	}
	doc.Set("lucky", lucky)

	ticks := 0
	_, err = rt.ServerChannel(func(args []any) {
		ticks++
		doc.Set("ticks", ticks)
	}, func(send func(args ...any)) any {
		ticker := time.NewTicker(time.Second)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					send()
				case <-done:
					return
				}
			}
		}()
		return func() {
			ticker.Stop()
			close(done)
		}
	}, func(state any) {
		if stop, ok := state.(func()); ok {
			stop()
		}
	}, "")
	return err
}

// Greeter asks the client for its name and greets it once the server agrees
func Greeter(rt *sandbox.Runtime) error {
	doc := rt.Document()
	doc.SetTitle("Greeter")
	_, err := rt.Input("Name", "", func(value string) {
		rt.ServerPromise(func(complete ordering.Resolver) {
			complete("Hello, "+value+"!", nil)
		}, "string", func(v any, err error) {
			if err != nil {
				doc.Set("greeting", err.Error())
				return
			}
			doc.Set("greeting", v)
		})
	})
	return err
}
