package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoeda/chart-engine/internal/model"
)

// newSubmitCmd submits one chart job and polls it to a terminal state.
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a chart job and wait for its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, _ := cmd.Flags().GetString("dataset")
			hint, _ := cmd.Flags().GetString("hint")
			wait, _ := cmd.Flags().GetDuration("wait")
			if dataset == "" {
				return fmt.Errorf("--dataset required")
			}
			return runSubmit(apiFlag, dataset, hint, wait, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringP("dataset", "d", "", "Dataset ID (required)")
	cmd.Flags().String("hint", "bar", "Chart kind hint (bar, line, scatter)")
	cmd.Flags().Duration("wait", 30*time.Second, "How long to poll an async job")
	return cmd
}

func runSubmit(api, dataset, hint string, wait time.Duration, out io.Writer) error {
	body, err := json.Marshal(model.ChartRequest{DatasetID: dataset, SpecHint: hint})
	if err != nil {
		return err
	}
	resp, err := http.Post(api+"/api/charts/generate", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit chart job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("submit failed: %s: %s", resp.Status, raw)
	}

	var status model.JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decode job status: %w", err)
	}

	deadline := time.Now().Add(wait)
	for !status.Status.Terminal() && time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		status, err = fetchJob(api, status.JobID)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if status.Status != model.StateSucceeded {
		return fmt.Errorf("job %s finished %s", status.JobID, status.Status)
	}
	return nil
}

func fetchJob(api, jobID string) (model.JobStatus, error) {
	resp, err := http.Get(api + "/api/charts/jobs/" + jobID)
	if err != nil {
		return model.JobStatus{}, fmt.Errorf("poll job: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.JobStatus{}, fmt.Errorf("poll failed: %s", resp.Status)
	}
	var status model.JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return model.JobStatus{}, fmt.Errorf("decode job status: %w", err)
	}
	return status, nil
}
