package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type deliverOptions struct {
	url      string
	token    string
	rcpts    []string
	model    string
	threadID int64
	timeout  time.Duration
}

type deliverResult struct {
	MessageID string `json:"message_id"`
	Duplicate bool   `json:"duplicate"`
	Bounce    bool   `json:"bounce"`
	Rejected  int    `json:"rejected"`
	Messages  []struct {
		ID    int64  `json:"id"`
		Model string `json:"model"`
		ResID int64  `json:"res_id"`
	} `json:"messages"`
}

func newDeliverCmd() *cobra.Command {
	opts := deliverOptions{}

	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Read a raw email from stdin and post it to the mail gateway",
		Long: "Reads an RFC 5322 message from stdin and posts it to the threadmail mail gateway. " +
			"Exits with EX_NOUSER when no route exists and EX_TEMPFAIL when the server cannot take the message now.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.url == "" {
				opts.url = os.Getenv("THREADMAIL_URL")
			}
			if opts.token == "" {
				opts.token = os.Getenv("THREADMAIL_TOKEN")
			}
			if opts.url == "" || opts.token == "" {
				return fmt.Errorf("--url and --token (or THREADMAIL_URL and THREADMAIL_TOKEN) are required")
			}
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return &exitError{code: exitTempFail, err: fmt.Errorf("read message: %w", err)}
			}
			return runDeliver(cmd, opts, raw)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "threadmail base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "API token of the gateway user")
	cmd.Flags().StringArrayVar(&opts.rcpts, "rcpt", nil, "envelope recipient (repeatable)")
	cmd.Flags().StringVar(&opts.model, "model", "", "record type used when no alias matches")
	cmd.Flags().Int64Var(&opts.threadID, "thread-id", 0, "record id used with --model")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "request timeout")
	return cmd
}

func runDeliver(cmd *cobra.Command, opts deliverOptions, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("empty message on stdin")
	}

	query := url.Values{}
	for _, rcpt := range opts.rcpts {
		query.Add("rcpt", rcpt)
	}
	if opts.model != "" {
		query.Set("model", opts.model)
	}
	if opts.threadID > 0 {
		query.Set("thread_id", strconv.FormatInt(opts.threadID, 10))
	}
	endpoint := strings.TrimRight(opts.url, "/") + "/api/v1/mailgate"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+opts.token)
	req.Header.Set("Content-Type", "message/rfc822")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return &exitError{code: exitTempFail, err: fmt.Errorf("post message: %w", err)}
	}
	defer func() { _ = res.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusUnprocessableEntity:
		return &exitError{code: exitNoUser, err: fmt.Errorf("no route: %s", strings.TrimSpace(string(body)))}
	case res.StatusCode >= 500:
		return &exitError{code: exitTempFail, err: fmt.Errorf("server error %d: %s", res.StatusCode, strings.TrimSpace(string(body)))}
	default:
		return &exitError{code: exitSoftware, err: fmt.Errorf("rejected with %d: %s", res.StatusCode, strings.TrimSpace(string(body)))}
	}

	var result deliverResult
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	out := cmd.OutOrStdout()
	switch {
	case result.Duplicate:
		fmt.Fprintf(out, "%s: already delivered\n", result.MessageID)
	case result.Bounce:
		fmt.Fprintf(out, "%s: bounce processed\n", result.MessageID)
	default:
		for _, msg := range result.Messages {
			fmt.Fprintf(out, "%s: posted as message %d on %s/%d\n", result.MessageID, msg.ID, msg.Model, msg.ResID)
		}
		if result.Rejected > 0 {
			fmt.Fprintf(out, "%s: %d route(s) refused, sender notified\n", result.MessageID, result.Rejected)
		}
	}
	return nil
}
