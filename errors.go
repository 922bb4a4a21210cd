/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"
)

// Protocol error taxonomy. Full rooms drive the allocator to the next slot,
// NoCapacity surfaces to the caller and triggers solo fallback, NotFound is a
// benign fallback trigger. Anything else is a transient store failure.
var (
	ErrNotFound    = errors.New("not found")
	ErrRoomFull    = errors.New("room full")
	ErrNoCapacity  = errors.New("all rooms in use")
	ErrStoreClosed = errors.New("store closed")
	ErrContention  = errors.New("too many conflicting writers")
)

// Transaction retry bounds. The slot-scan allocator gives contention no upper
// bound on its own, so each transaction caps its attempts and backs off with
// jitter between them.
const (
	maxTxnAttempts = 32
	backoffBase    = 2 * time.Millisecond
	backoffCap     = 250 * time.Millisecond
)

func sleepBackoff(ctx context.Context, attempt int) error {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

func newPage(title, body string) string {
	var htmlBody strings.Builder

	htmlBody.WriteString(`<!DOCTYPE html><html lang="en"><head>`)
	htmlBody.WriteString(`<style>`)
	htmlBody.WriteString(`html,body,a{display:block;height:100%;width:100%;text-decoration:none;color:inherit;cursor:auto;}</style>`)
	htmlBody.WriteString(fmt.Sprintf("<title>%s</title></head>", title))
	htmlBody.WriteString(fmt.Sprintf("<body><a href=\"/\">%s</a></body></html>", body))

	return htmlBody.String()
}
