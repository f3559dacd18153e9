// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package dlengine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/offspot/image-creator/pkg/log"
)

// ErrEngineUnavailable is returned by Start when the engine's RPC port
// never becomes reachable within the startup budget.
var ErrEngineUnavailable = fmt.Errorf("dlengine: engine unavailable")

// ErrChecksumMismatch is returned by Poll's terminal status when the
// downloaded payload's checksum does not match what was declared.
var ErrChecksumMismatch = fmt.Errorf("dlengine: checksum mismatch")

// State is one of the download states spec.md §4.D's unified
// DownloadStatus carries.
type State string

const (
	Queued State = "queued"
	Active State = "active"
	Paused State = "paused"
	Done   State = "done"
	Failed State = "failed"
)

// Item is one submission: {uri, out_path, checksum?, expected_size?,
// headers?} per spec.md §4.D.
type Item struct {
	URI          string
	OutPath      string
	Checksum     digest.Digest
	ExpectedSize int64
	Headers      map[string]string
}

// Handle identifies one submitted item for subsequent Poll calls.
type Handle string

// Status is the unified per-item download status spec.md §4.D requires.
type Status struct {
	BytesDone   int64
	Total       int64
	Speed       int64
	State       State
	Err         error
	StartedOn   time.Time
	CompletedOn time.Time
}

// Config configures Start.
type Config struct {
	// BinPath is the engine executable; defaults to "aria2c" on PATH.
	BinPath string
	// MaxRetries bounds per-item retries of transient network errors.
	// Zero selects the default of 3, per spec.md §4.D.
	MaxRetries int
}

// Engine supervises one running download-engine child process.
type Engine struct {
	cfg    Config
	cmd    *exec.Cmd
	rpc    *rpcClient
	secret string

	items map[Handle]*itemState
}

type itemState struct {
	item      Item
	attempts  int
	startedOn time.Time
	headSize  int64 // lazily populated the first time engine and recipe both omit a size
	headTried bool
}

// Start launches the engine as a child process on an ephemeral port with a
// random secret token, then waits until its RPC endpoint answers, with
// bounded exponential backoff. It fails ErrEngineUnavailable if the engine
// never becomes reachable.
func Start(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.BinPath == "" {
		cfg.BinPath = "aria2c"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("dlengine: finding a free port: %w", err)
	}
	secret, err := randomSecret()
	if err != nil {
		return nil, fmt.Errorf("dlengine: generating secret: %w", err)
	}

	cmd := exec.CommandContext(ctx, cfg.BinPath,
		"--enable-rpc",
		"--rpc-listen-port="+strconv.Itoa(port),
		"--rpc-secret="+secret,
		"--rpc-listen-all=false",
		"--quiet=true",
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %s", ErrEngineUnavailable, cfg.BinPath, err)
	}

	e := &Engine{
		cfg:    cfg,
		cmd:    cmd,
		secret: secret,
		rpc:    newRPCClient(fmt.Sprintf("http://127.0.0.1:%d/jsonrpc", port), secret),
		items:  make(map[Handle]*itemState),
	}

	if err := e.waitReady(ctx); err != nil {
		e.kill()
		return nil, err
	}
	return e, nil
}

// waitReady polls the engine's RPC endpoint with bounded exponential
// backoff until it answers a trivial method call or the budget is spent.
func (e *Engine) waitReady(ctx context.Context) error {
	backoff := 50 * time.Millisecond
	const maxBackoff = 2 * time.Second
	deadline := time.Now().Add(30 * time.Second)
	for {
		callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := e.rpc.call(callCtx, "ready-probe", "aria2.getVersion")
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrEngineUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrEngineUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Submit registers item with the engine and returns a handle for Poll.
func (e *Engine) Submit(ctx context.Context, item Item) (Handle, error) {
	headers := make([]string, 0, len(item.Headers))
	for k, v := range item.Headers {
		headers = append(headers, fmt.Sprintf("%s: %s", k, v))
	}
	opts := map[string]interface{}{"out": item.OutPath}
	if len(headers) > 0 {
		opts["header"] = headers
	}
	result, err := e.rpc.call(ctx, "submit", "aria2.addUri", []string{item.URI}, opts)
	if err != nil {
		return "", fmt.Errorf("dlengine: submitting %s: %w", item.URI, err)
	}
	var gid string
	if err := json.Unmarshal(result, &gid); err != nil {
		return "", fmt.Errorf("dlengine: decoding submit result: %w", err)
	}
	h := Handle(gid)
	e.items[h] = &itemState{item: item, startedOn: time.Now()}
	return h, nil
}

// tellStatusResult mirrors the subset of aria2's tellStatus response this
// client actually consumes.
type tellStatusResult struct {
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorCode       string `json:"errorCode"`
	ErrorMessage    string `json:"errorMessage"`
}

// Poll returns the current unified status for a submitted item. Callers
// should not poll a single handle faster than 1Hz, per spec.md §4.D.
func (e *Engine) Poll(ctx context.Context, h Handle) (Status, error) {
	st, ok := e.items[h]
	if !ok {
		return Status{}, fmt.Errorf("dlengine: unknown handle %q", h)
	}

	result, err := e.rpc.call(ctx, "poll", "aria2.tellStatus", string(h))
	if err != nil {
		return Status{}, fmt.Errorf("dlengine: polling %s: %w", h, err)
	}
	var raw tellStatusResult
	if err := json.Unmarshal(result, &raw); err != nil {
		return Status{}, fmt.Errorf("dlengine: decoding status: %w", err)
	}

	total := firstNonZero(st.item.ExpectedSize, atoi64(raw.TotalLength))
	if total == 0 && !st.headTried {
		st.headTried = true
		if size, err := headContentLength(ctx, st.item.URI); err == nil {
			st.headSize = size
		}
	}
	total = firstNonZero(total, st.headSize)

	status := Status{
		BytesDone: atoi64(raw.CompletedLength),
		Total:     total,
		Speed:     atoi64(raw.DownloadSpeed),
		State:     mapState(raw.Status),
		StartedOn: st.startedOn,
	}

	switch status.State {
	case Done:
		status.CompletedOn = time.Now()
		if st.item.Checksum != "" {
			if err := verifyChecksum(st.item.OutPath, st.item.Checksum); err != nil {
				status.State = Failed
				status.Err = err
			}
		}
	case Failed:
		status.CompletedOn = time.Now()
		status.Err = mapFailure(raw.ErrorCode, raw.ErrorMessage)
		if isTransient(raw.ErrorCode) && st.attempts < e.cfg.MaxRetries {
			st.attempts++
			log.Logf("dlengine: retrying %s (attempt %d/%d) after %s", st.item.URI, st.attempts, e.cfg.MaxRetries, status.Err)
			if _, err := e.rpc.call(ctx, "retry", "aria2.unpause", string(h)); err == nil {
				status.State = Active
				status.Err = nil
			}
		}
	}
	return status, nil
}

// Shutdown tells the engine to exit cleanly, killing it after timeout if
// it does not.
func (e *Engine) Shutdown(ctx context.Context, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := e.rpc.call(shutdownCtx, "shutdown", "aria2.shutdown")
	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(timeout):
		e.kill()
	}
	return err
}

func (e *Engine) kill() {
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func mapState(s string) State {
	switch s {
	case "active":
		return Active
	case "waiting":
		return Queued
	case "paused":
		return Paused
	case "complete":
		return Done
	case "error", "removed":
		return Failed
	default:
		return Queued
	}
}

func atoi64(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func isTransient(errorCode string) bool {
	switch errorCode {
	case "2", "6", "7", "8", "29":
		return true
	default:
		return false
	}
}

func mapFailure(code, message string) error {
	if reason, ok := ARIAExitCodes[code]; ok {
		return fmt.Errorf("dlengine: %s: %s", reason, message)
	}
	return fmt.Errorf("dlengine: engine error %s: %s", code, message)
}

// ARIAExitCodes mirrors the reference engine's own exit-code table for
// situations where it omits an error message (observed on aria2c 1.37.0).
var ARIAExitCodes = map[string]string{
	"1":  "an unknown error occurred",
	"2":  "time out occurred",
	"3":  "a resource was not found",
	"6":  "network problem occurred",
	"7":  "there were unfinished downloads",
	"8":  "remote server did not support resume when resume was required",
	"9":  "there was not enough disk space available",
	"22": "http response header was bad or unexpected",
	"24": "http authorization failed",
	"29": "the remote server was unable to handle the request",
	"32": "checksum validation failed",
}
