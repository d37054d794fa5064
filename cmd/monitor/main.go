package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"candlefeed/internal/market"

	"github.com/logrusorgru/aurora"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type packet struct {
	Ticker    string  `json:"ticker"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8000/ws", "relay websocket url")
	only := flag.String("ticker", "", "only show this instrument")
	noColor := flag.Bool("no-color", false, "disable colours")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, *url, strings.TrimSpace(*only), !*noColor); err != nil {
		fmt.Fprintf(os.Stderr, "\nmonitor: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, "\nStopped.")
}

func run(ctx context.Context, out io.Writer, url, only string, color bool) error {
	fmt.Fprintf(out, "Connecting to relay at %s...\n", url)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	fmt.Fprintln(out, "Connected. Streaming live data...")
	fmt.Fprintln(out)

	au := aurora.NewAurora(color)
	board := market.QuoteBoard{}
	for {
		var p packet
		if err := wsjson.Read(ctx, conn, &p); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusGoingAway {
				return errors.New("relay shut down")
			}
			return err
		}
		if only != "" && p.Ticker != only {
			continue
		}
		q := board.Update(p.Ticker, p.Price)
		fmt.Fprint(out, render(au, q))
	}
}

// render overwrites the current terminal line with one quote.
func render(au aurora.Aurora, q market.Quote) string {
	price := "$" + formatPrice(q.Price)
	var coloured aurora.Value
	if q.Direction() == market.DirectionUp {
		coloured = au.Green(price)
	} else {
		coloured = au.Red(price)
	}
	return fmt.Sprintf("\r >> %-8s | %s   ", q.Instrument, au.Bold(coloured))
}

// formatPrice prints two decimals with thousands separators.
func formatPrice(v float64) string {
	s := strconv.FormatFloat(v, 'f', 2, 64)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + "." + frac
}
