package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const retryDelay = time.Second

// item mirrors one element of a shape response batch.
type item struct {
	Headers struct {
		Action  string `json:"action"`
		Control string `json:"control"`
	} `json:"headers"`
	Key    string            `json:"key,omitempty"`
	Offset string            `json:"offset,omitempty"`
	Value  map[string]string `json:"value,omitempty"`
}

type apiError struct {
	Error   string `json:"error"`
	Field   string `json:"field"`
	Restart bool   `json:"restart"`
}

type tailStats struct {
	batches  int
	events   int
	restarts int
}

func runTail(args []string) {
	conf := parseTailFlags(args)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// Long polls outlive any sane client timeout; the context carries
	// the interrupt instead.
	client := &http.Client{}
	out := json.NewEncoder(os.Stdout)

	off, shapeID := conf.From, conf.ShapeID
	stats := &tailStats{}

	for ctx.Err() == nil {
		live := off != "-1"
		req, err := conf.newRequest(http.MethodGet, conf.shapeURL(off, shapeID, live))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "Request failed: %v (retrying)\n", err)
			sleep(ctx, retryDelay)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			fmt.Fprintf(os.Stderr, "Read failed: %v (retrying)\n", err)
			sleep(ctx, retryDelay)
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var items []item
			if err := json.Unmarshal(body, &items); err != nil {
				fmt.Fprintf(os.Stderr, "Bad response body: %v (retrying)\n", err)
				sleep(ctx, retryDelay)
				continue
			}
			if id := resp.Header.Get("X-Shape-Id"); id != "" && id != shapeID {
				fmt.Fprintf(os.Stderr, "Following shape %s\n", id)
				shapeID = id
			}
			if next := resp.Header.Get("X-Shape-Offset"); next != "" {
				off = next
			}
			stats.batches++
			for _, it := range items {
				if it.Headers.Control != "" {
					continue
				}
				stats.events++
				if err := out.Encode(it); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			}

		case http.StatusConflict:
			stats.restarts++
			fmt.Fprintf(os.Stderr, "Shape restarted: %s\n", decodeError(body))
			off, shapeID = "-1", ""

		case http.StatusTooManyRequests:
			fmt.Fprintf(os.Stderr, "Server at shape capacity (retrying): %s\n", decodeError(body))
			sleep(ctx, retryDelay)

		case http.StatusBadRequest, http.StatusUnauthorized:
			fmt.Fprintf(os.Stderr, "Error: %s\n", decodeError(body))
			os.Exit(1)

		default:
			fmt.Fprintf(os.Stderr, "Unexpected status %d: %s (retrying)\n", resp.StatusCode, decodeError(body))
			sleep(ctx, retryDelay)
		}
	}

	fmt.Fprintf(os.Stderr, "Done: %d events in %d batches, %d restarts, last offset %s\n",
		stats.events, stats.batches, stats.restarts, off)
}

func runDrop(args []string) {
	conf := parseDropFlags(args)

	req, err := conf.newRequest(http.MethodDelete, conf.shapeURL("", conf.ShapeID, false))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "Drop failed (%d): %s\n", resp.StatusCode, decodeError(body))
		os.Exit(1)
	}
	fmt.Printf("Shape %s dropped\n", conf.ShapeID)
}

func decodeError(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return string(body)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s (field %s)", e.Error, e.Field)
	}
	return e.Error
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
