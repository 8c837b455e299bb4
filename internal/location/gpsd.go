package location

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"syscall"
	"time"
)

const watchCommand = `?WATCH={"enable":true,"json":true};` + "\n"

// GPSDSource reads TPV reports from a gpsd daemon.
type GPSDSource struct {
	Addr   string
	Dialer net.Dialer
}

// tpv is the subset of a gpsd TPV report the tracker needs.
type tpv struct {
	Class string   `json:"class"`
	Mode  int      `json:"mode"`
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Eph   float64  `json:"eph"`
	Epx   float64  `json:"epx"`
	Epy   float64  `json:"epy"`
}

func (s *GPSDSource) Watch(ctx context.Context, opts WatchOptions, emit func(Reading)) error {
	addr := s.Addr
	if addr == "" {
		addr = "127.0.0.1:2947"
	}

	dialCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	conn, err := s.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("%w: gpsd not running at %s", ErrPositionUnavailable, addr)
		}
		return fmt.Errorf("%w: dialing gpsd: %v", ErrPositionUnavailable, err)
	}
	defer conn.Close()

	// Unblock the scanner when the watch is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := io.WriteString(conn, watchCommand); err != nil {
		return fmt.Errorf("%w: enabling gpsd watch: %v", ErrPositionUnavailable, err)
	}

	return scanGPSD(ctx, conn, emit)
}

func scanGPSD(ctx context.Context, r io.Reader, emit func(Reading)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		reading, ok := parseTPV(sc.Bytes())
		if ok {
			emit(reading)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: reading gpsd: %v", ErrPositionUnavailable, err)
	}
	return fmt.Errorf("%w: gpsd closed the connection", ErrPositionUnavailable)
}

// parseTPV turns one gpsd JSON line into a Reading. Non-TPV classes, reports
// without a 2D fix, and reports without an error estimate are skipped.
func parseTPV(line []byte) (Reading, bool) {
	var msg tpv
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Debug("skipping malformed gpsd line", "error", err)
		return Reading{}, false
	}
	if msg.Class != "TPV" || msg.Mode < 2 || msg.Lat == nil || msg.Lon == nil {
		return Reading{}, false
	}

	acc := msg.Eph
	if acc <= 0 {
		acc = math.Max(msg.Epx, msg.Epy)
	}
	if acc <= 0 {
		return Reading{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, msg.Time)
	if err != nil {
		ts = time.Now().UTC()
	}
	return Reading{
		Latitude:       *msg.Lat,
		Longitude:      *msg.Lon,
		AccuracyMeters: acc,
		Timestamp:      ts,
	}, true
}
