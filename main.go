package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gitzhang10/friends/chat"
	"github.com/gitzhang10/friends/config"
	"github.com/gitzhang10/friends/dag"
	"github.com/gitzhang10/friends/swarm"
	"github.com/hashicorp/go-hclog"
	"github.com/peterh/liner"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "friends-" + conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})
	conf.WatchLogLevel(func(level hclog.Level) {
		logger.SetLevel(level)
		logger.Info("log level changed", "level", level)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw, err := swarm.New(ctx, conf, logger)
	if err != nil {
		panic(err)
	}
	defer sw.Close()
	if err = sw.Start(ctx); err != nil {
		panic(err)
	}
	fmt.Printf("%s joined %q as %s\n", conf.Name, conf.Rendezvous, sw.Addr())

	feed := sw.Feed()
	defer feed.Close()
	go printFeed(ctx, feed)
	go printPeers(ctx, sw)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	channel := ""
	for {
		input, err := line.Prompt(prompt(channel))
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				logger.Error("fail to read input", "error", err)
			}
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if !command(sw, input, &channel) {
				return
			}
			continue
		}
		if _, err := sw.Send(channel, input); err != nil {
			fmt.Fprintln(os.Stderr, "message not sent:", err)
		}
	}
}

func prompt(channel string) string {
	if channel == "" {
		channel = chat.DefaultChannel
	}
	return "#" + channel + "> "
}

// command runs a slash command and reports whether to keep going.
func command(sw *swarm.Swarm, input string, channel *string) bool {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit":
		return false
	case "/join":
		if len(fields) < 2 {
			fmt.Println("usage: /join <channel>")
			return true
		}
		*channel = strings.TrimPrefix(fields[1], "#")
		if *channel == chat.DefaultChannel {
			*channel = ""
		}
	case "/peers":
		peers := sw.Peers()
		fmt.Printf("%d peer(s)\n", len(peers))
		for _, p := range peers {
			fmt.Printf("  %s %s %s\n", p.Name, p.ID, p.State)
		}
	case "/heads":
		l := sw.Log()
		fmt.Printf("%d entries\n", l.Sequence())
		for _, h := range l.Heads() {
			fmt.Println("  " + h.Short())
		}
	default:
		fmt.Println("commands: /join <channel>, /peers, /heads, /quit")
	}
	return true
}

func printFeed(ctx context.Context, feed *chat.Feed) {
	for {
		r, err := feed.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, dag.ErrClosed) && !errors.Is(err, dag.ErrStreamClosed) {
				fmt.Fprintln(os.Stderr, "feed stopped:", err)
			}
			return
		}
		mark := ""
		if r.Valid {
			mark = " ✓"
		}
		if r.Mentions(conf.Name) {
			mark += " @"
		}
		at := time.UnixMilli(r.Timestamp).Format("15:04")
		fmt.Printf("\r[%s #%s] %s%s: %s\n", at, r.DisplayChannel(), r.Username, mark, r.Text)
	}
}

func printPeers(ctx context.Context, sw *swarm.Swarm) {
	events, stop := sw.Events(swarm.PeerConnected, swarm.PeerDisconnected)
	defer stop()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type == swarm.PeerConnected {
				fmt.Printf("\r* %s joined (%d peers)\n", e.PeerName, len(sw.Peers()))
			} else {
				fmt.Printf("\r* %s left (%d peers)\n", e.PeerName, len(sw.Peers()))
			}
		case <-ctx.Done():
			return
		}
	}
}
