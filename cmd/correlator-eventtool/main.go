// Command correlator-eventtool is the read-only event-stream inspector:
// --list prints a page of events in an offset range, --inspect dumps one
// event's full payload, and --watch tails the stream. It never touches a
// reactor's stored offset, only reads the event stream directly.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dagainz/correlator/internal/event"
	"github.com/dagainz/correlator/internal/stream"
	"github.com/dagainz/correlator/internal/wiring"
)

func main() {
	var (
		id        string
		list      string
		inspect   int64
		watch     bool
		page      int64
		eventKey  string
		redisAddr string
		redisPass string
		redisDB   int
	)

	cmd := &cobra.Command{
		Use:   "correlator-eventtool",
		Short: "Inspect a reactor's event stream without mutating its offset",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("correlator-eventtool: --id is required")
			}
			modes := 0
			for _, on := range []bool{list != "", inspect >= 0, watch} {
				if on {
					modes++
				}
			}
			if modes != 1 {
				return fmt.Errorf("correlator-eventtool: exactly one of --list, --inspect, --watch is required")
			}

			redisClient := wiring.NewRedisClient(wiring.RedisOptions{Addr: redisAddr, Password: redisPass, DB: redisDB})
			defer redisClient.Close()

			key := eventKey
			if key == "" {
				key = wiring.DefaultEventStreamKey(id)
			}
			events := stream.NewRedis(redisClient, key)
			defer events.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			switch {
			case list != "":
				start, end, err := parseListRange(list)
				if err != nil {
					return err
				}
				if page > 0 && end-start+1 > page {
					end = start + page - 1
				}
				return printRange(ctx, events, start, end)
			case inspect >= 0:
				return inspectOffset(ctx, events, inspect)
			case watch:
				return watchStream(ctx, events)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "reactor id whose event stream to read (required)")
	cmd.Flags().StringVar(&list, "list", "", "print a page of events in offset range A[-B]")
	cmd.Flags().Int64Var(&inspect, "inspect", -1, "print one event's full payload by offset")
	cmd.Flags().BoolVar(&watch, "watch", false, "tail new events as they arrive")
	cmd.Flags().Int64Var(&page, "page", 0, "cap the number of events --list prints")
	cmd.Flags().StringVar(&eventKey, "event-stream", "", "event stream key (default correlator:events:<id>)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "ingest/event broker address")
	cmd.Flags().StringVar(&redisPass, "redis-pass", "", "broker password")
	cmd.Flags().IntVar(&redisDB, "redis-db", 0, "broker database index")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseListRange(raw string) (start, end int64, err error) {
	parts := strings.SplitN(raw, "-", 2)
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start %q", parts[0])
	}
	if len(parts) == 1 {
		return start, start, nil
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end %q", parts[1])
	}
	return start, end, nil
}

func printRange(ctx context.Context, s stream.Stream, start, end int64) error {
	after := start - 1
	for after < end {
		rec, err := s.Consume(ctx, after)
		if errors.Is(err, stream.ErrNoRecord) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Offset > end {
			return nil
		}
		printEvent(rec)
		after = rec.Offset
	}
	return nil
}

func inspectOffset(ctx context.Context, s stream.Stream, offset int64) error {
	rec, err := s.Consume(ctx, offset-1)
	if errors.Is(err, stream.ErrNoRecord) {
		return fmt.Errorf("no event at offset %d", offset)
	}
	if err != nil {
		return err
	}
	if rec.Offset != offset {
		return fmt.Errorf("no event at offset %d (next is %d)", offset, rec.Offset)
	}
	tenantID, evt, err := event.DecodeEnvelope(rec.Payload, nil)
	if err != nil {
		return fmt.Errorf("decode event at offset %d: %w", offset, err)
	}
	fmt.Printf("offset:    %d\n", rec.Offset)
	fmt.Printf("tenant:    %s\n", tenantID)
	fmt.Printf("fq_id:     %s\n", evt.FQID())
	fmt.Printf("class:     %s\n", evt.ClassName())
	fmt.Printf("severity:  %s\n", evt.Severity())
	fmt.Printf("timestamp: %s\n", evt.Timestamp().Format("2006-01-02 15:04:05"))
	fmt.Printf("summary:   %s\n", evt.RenderSummary("text/plain"))
	for _, f := range evt.FieldNames() {
		fmt.Printf("  %s = %v\n", f, evt.Payload()[f])
	}
	return nil
}

func watchStream(ctx context.Context, s stream.Stream) error {
	latest, err := s.Latest(ctx)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rec, err := s.Consume(ctx, latest)
			if errors.Is(err, stream.ErrNoRecord) {
				continue
			}
			if err != nil {
				return err
			}
			printEvent(rec)
			latest = rec.Offset
		}
	}
}

func printEvent(rec *stream.Record) {
	tenantID, evt, err := event.DecodeEnvelope(rec.Payload, nil)
	if err != nil {
		fmt.Printf("%d\t<malformed: %v>\n", rec.Offset, err)
		return
	}
	fmt.Printf("%d\t%s\t%s\t%s\t%s\t%s\n", rec.Offset, evt.Timestamp().Format("2006-01-02 15:04:05"),
		tenantID, evt.Severity(), evt.FQID(), evt.RenderSummary("text/plain"))
}
