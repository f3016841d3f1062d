// regwait polls the registrar API until a subject's registration reaches
// fully_registered (or a terminal timeout), for use in scripts and smoke
// tests after a payment callback.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/pkg/common"
	"github.com/caremesh/registrar/pkg/polling"
)

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "registrar API base URL")
		subject  = flag.Int64("subject", 0, "subject id to wait for")
		timeout  = flag.Duration("timeout", 5*time.Minute, "give up after this long")
		interval = flag.Duration("interval", 2*time.Second, "initial poll interval")
		maxInt   = flag.Duration("max-interval", 30*time.Second, "poll interval cap")
	)
	flag.Parse()

	if *subject <= 0 {
		fmt.Fprintln(os.Stderr, "regwait: -subject is required")
		os.Exit(2)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	statusURL := fmt.Sprintf("%s/api/v1/registration/%d/status", *baseURL, *subject)

	poll := func(ctx context.Context) (*model.RegistrationStatusView, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
		}
		var view model.RegistrationStatusView
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return nil, err
		}
		return &view, nil
	}

	poller := polling.New(polling.Config{
		InitialInterval:   *interval,
		MaxInterval:       *maxInt,
		BackoffMultiplier: 2,
		MaxDuration:       *timeout,
		ResetOnSuccess:    true,
	}, poll, func(view *model.RegistrationStatusView) bool {
		return view.RegistrationStatus != common.RegStatusFullyRegistered
	})

	if err := poller.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "regwait: %v\n", err)
		os.Exit(1)
	}
	err := poller.Wait()

	if view := poller.Result(); view != nil {
		fmt.Printf("subject %d: %s\n", view.SubjectID, view.RegistrationStatus)
		for _, t := range view.Tasks {
			fmt.Printf("  %-28s %s (retries=%d)\n", t.TaskType, t.Status, t.RetryCount)
		}
	}
	if err != nil {
		if errors.Is(err, polling.ErrTimeout) {
			fmt.Fprintf(os.Stderr, "regwait: timed out after %s\n", *timeout)
		} else {
			fmt.Fprintf(os.Stderr, "regwait: %v\n", err)
		}
		os.Exit(1)
	}
}
