package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"retrain/internal/api"
	"retrain/internal/ipc"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var priority int
	var params []string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "submit <subject> <variant>",
		Short: "Schedule a manual training job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			req := ipc.SubmitRequest{
				Subject:  args[0],
				Variant:  args[1],
				Priority: priority,
				Params:   parsed,
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Submit(req)
				if err != nil {
					return fmt.Errorf("submit %s/%s: %w", req.Subject, req.Variant, err)
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s (%s/%s)\n", resp.JobID, req.Subject, req.Variant)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Job priority (1 highest, 10 lowest; 0 uses the manual default)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Training parameter as key=value; JSON values are decoded (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// parseParams turns key=value pairs into a parameter map. Values that are
// valid JSON keep their JSON type; anything else is passed as a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", pair)
		}
		if gjson.Valid(value) {
			out[key] = gjson.Parse(value).Value()
			continue
		}
		out[key] = value
	}
	return out, nil
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "job <id>",
		Short: "Show one job tracked by the scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Job(args[0])
				if err != nil {
					return err
				}
				if !resp.Found {
					return fmt.Errorf("job %s not found", args[0])
				}
				if asJSON {
					return writeJSON(cmd, resp.Job)
				}
				printJobDetail(cmd, resp.Job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printJobDetail(cmd *cobra.Command, job api.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", job.ID)
	fmt.Fprintf(out, "Job:       %s\n", api.JobLabel(job))
	fmt.Fprintf(out, "State:     %s\n", api.StateLabel(job))
	fmt.Fprintf(out, "Priority:  %d\n", job.Priority)
	fmt.Fprintf(out, "Source:    %s\n", job.Source)
	fmt.Fprintf(out, "Attempts:  %d/%d\n", job.Attempts, job.MaxAttempts)
	fmt.Fprintf(out, "Enqueued:  %s\n", api.ShortTime(job.EnqueuedAt))
	fmt.Fprintf(out, "Started:   %s\n", api.ShortTime(job.StartedAt))
	fmt.Fprintf(out, "Completed: %s\n", api.ShortTime(job.CompletedAt))
	fmt.Fprintf(out, "Duration:  %s\n", api.FormatSeconds(job.DurationSeconds))
	if job.LastError != "" {
		fmt.Fprintf(out, "Error:     %s\n", job.LastError)
	}
	if job.CancelReason != "" {
		fmt.Fprintf(out, "Cancelled: %s\n", job.CancelReason)
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(args[0], reason)
				if err != nil {
					return fmt.Errorf("cancel %s: %w", args[0], err)
				}
				out := cmd.OutOrStdout()
				if resp.WasActive {
					fmt.Fprintf(out, "Cancellation requested for running job %s\n", resp.JobID)
					return nil
				}
				fmt.Fprintf(out, "Removed queued job %s\n", resp.JobID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled from cli", "Reason recorded on the job")
	return cmd
}

func newAdmissionCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "admission <subject> <variant>",
		Short: "Check whether a training job would be admitted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CanAdmit(args[0], args[1])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintln(cmd.OutOrStdout(), admissionSummary(*resp))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func admissionSummary(resp api.AdmissionResponse) string {
	label := resp.Subject + "/" + resp.Variant
	if resp.Allowed {
		return label + ": allowed"
	}
	switch {
	case resp.ExistingJobID != "":
		return fmt.Sprintf("%s: denied (%s, job %s)", label, resp.Reason, resp.ExistingJobID)
	case resp.CooldownRemainingSeconds > 0:
		return fmt.Sprintf("%s: denied (%s, %s remaining)", label, resp.Reason, api.FormatSeconds(resp.CooldownRemainingSeconds))
	default:
		return fmt.Sprintf("%s: denied (%s)", label, resp.Reason)
	}
}

func newEmergencyStopCommand(ctx *commandContext) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Cancel every queued job and signal every running job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.EmergencyStop(reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d queued job(s); signalled %d running job(s)\n",
					resp.CancelledPending, resp.FlaggedActive)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "emergency stop", "Reason recorded on affected jobs")
	return cmd
}

func newCooldownCommand(ctx *commandContext) *cobra.Command {
	cooldownCmd := &cobra.Command{
		Use:   "cooldown",
		Short: "Inspect and clear training cooldowns",
	}
	cooldownCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active cooldowns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status()
				if err != nil {
					return err
				}
				if len(status.Scheduler.Cooldowns) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No active cooldowns")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderCooldownTable(status.Scheduler.Cooldowns))
				return nil
			})
		},
	})
	cooldownCmd.AddCommand(&cobra.Command{
		Use:   "clear [subject variant]",
		Short: "Clear one cooldown, or all cooldowns when no pair is given",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or <subject> <variant>, got %d argument(s)", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var subject, variant string
			if len(args) == 2 {
				subject, variant = args[0], args[1]
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ClearCooldown(subject, variant)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if subject != "" && resp.Cleared == 0 {
					fmt.Fprintf(out, "No cooldown active for %s/%s\n", subject, variant)
					return nil
				}
				fmt.Fprintf(out, "Cleared %d cooldown(s)\n", resp.Cleared)
				return nil
			})
		},
	})
	return cooldownCmd
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history [subject]",
		Short: "List archived jobs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject := ""
			if len(args) == 1 {
				subject = args[0]
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobHistory(subject, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp.Jobs)
				}
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No archived jobs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderJobTable(resp.Jobs))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newCycleCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one periodic retraining cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RunCycle()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Submitted %d job(s), skipped %d, failed %d\n",
					len(resp.Submitted), resp.Skipped, resp.Failed)
				for _, id := range resp.Submitted {
					fmt.Fprintf(out, "  %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
