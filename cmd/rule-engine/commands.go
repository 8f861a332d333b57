package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ruleengine/internal/config"
	"github.com/ehr/ruleengine/internal/domain/rules"
	"github.com/ehr/ruleengine/internal/platform/actions"
	"github.com/ehr/ruleengine/internal/platform/clinicaldata"
	"github.com/ehr/ruleengine/internal/platform/db"
	"github.com/ehr/ruleengine/internal/platform/events"
	"github.com/ehr/ruleengine/internal/platform/metrics"
	"github.com/ehr/ruleengine/internal/platform/notification"
	"github.com/ehr/ruleengine/internal/platform/ruleengine"
	"github.com/ehr/ruleengine/internal/platform/schema"
	"github.com/ehr/ruleengine/internal/platform/task"
	"github.com/ehr/ruleengine/pkg/pagination"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load variables, rules, lookups and data points from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			tenant, _ := cmd.Flags().GetString("tenant")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			validator, err := schema.NewValidator()
			if err != nil {
				return err
			}
			f, err := rules.ParseSeed(data, validator)
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return withTenantPool(cmd.Context(), cfg, tenant, false, func(ctx context.Context, a *app) error {
				report, err := a.svc.ApplySeed(ctx, f)
				if err != nil {
					return err
				}

				lookups := 0
				for table, rows := range f.Lookups {
					for key, record := range rows {
						if err := a.lookups.Put(ctx, table, key, record); err != nil {
							return err
						}
						lookups++
					}
				}

				now := time.Now().UTC()
				for _, p := range f.DataPoints {
					if err := a.data.Append(ctx, storedPoint(p, now)); err != nil {
						return err
					}
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Seeded tenant %s from %s\n", db.TenantFromContext(ctx), file)
				fmt.Fprintf(out, "  variables: %d created, %d updated\n", report.VariablesCreated, report.VariablesUpdated)
				fmt.Fprintf(out, "  rules:     %d created, %d updated\n", report.RulesCreated, report.RulesUpdated)
				fmt.Fprintf(out, "  lookups:   %d rows\n", lookups)
				fmt.Fprintf(out, "  data:      %d points\n", len(f.DataPoints))
				return nil
			})
		},
	}
	cmd.Flags().String("file", "", "Seed file (YAML)")
	cmd.Flags().String("tenant", "", "Tenant to seed (defaults to DEFAULT_TENANT)")
	return cmd
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Dispatch one trigger event against a tenant's rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := eventFromFlags(cmd)
			if err != nil {
				return err
			}
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return withTenantPool(cmd.Context(), cfg, tenant, true, func(ctx context.Context, a *app) error {
				ev.TenantID = db.TenantFromContext(ctx)
				summaries, err := a.dispatcher.Dispatch(ctx, ev)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), summaries)
			})
		},
	}
	eventFlags(cmd)
	cmd.Flags().String("tenant", "", "Tenant to dispatch under (defaults to DEFAULT_TENANT)")
	cmd.Flags().String("triggered-by", "cli", "Actor recorded on executions")
	return cmd
}

func executionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List a rule's execution history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("rule")
			ruleID, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--rule must be a rule id: %w", err)
			}
			tenant, _ := cmd.Flags().GetString("tenant")
			limit, _ := cmd.Flags().GetString("limit")
			offset, _ := cmd.Flags().GetString("offset")
			page := pagination.Parse(limit, offset)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return withTenantPool(cmd.Context(), cfg, tenant, false, func(ctx context.Context, a *app) error {
				execs, total, err := a.svc.ListExecutions(ctx, ruleID, page.Limit, page.Offset)
				if err != nil {
					return err
				}
				printExecutions(cmd.OutOrStdout(), execs, total, page)
				return nil
			})
		},
	}
	cmd.Flags().String("rule", "", "Rule id")
	cmd.Flags().String("tenant", "", "Tenant (defaults to DEFAULT_TENANT)")
	cmd.Flags().String("limit", "", "Page size")
	cmd.Flags().String("offset", "", "Rows to skip")
	return cmd
}

func printExecutions(w io.Writer, execs []*rules.RuleExecution, total int, page pagination.Params) {
	fmt.Fprintf(w, "%-20s %-14s %-5s %-8s %-8s %s\n", "EXECUTED AT", "EVENT", "MET", "SUCCESS", "MS", "ERROR")
	for _, e := range execs {
		success := "-"
		if e.ActionsSuccess != nil {
			success = fmt.Sprint(*e.ActionsSuccess)
		}
		errMsg := ""
		if e.ErrorMessage != nil {
			errMsg = *e.ErrorMessage
		}
		fmt.Fprintf(w, "%-20s %-14s %-5v %-8s %-8d %s\n",
			e.ExecutedAt.UTC().Format("2006-01-02 15:04:05"), e.TriggerEvent, e.ConditionsMet, success, e.ExecutionTimeMs, errMsg)
	}
	fmt.Fprintf(w, "%d of %d\n", len(execs), total)
	if page.HasNext(total) {
		fmt.Fprintf(w, "next page: --offset %d\n", page.NextOffset())
	}
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a seed file's rules against an event without a database",
		Long: "check loads variables, rules, lookups and data points from a seed file into memory " +
			"and dispatches one event against them. Webhook and publish actions are recorded, not sent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			ev, err := eventFromFlags(cmd)
			if err != nil {
				return err
			}
			verbose, _ := cmd.Flags().GetBool("verbose")

			logger := zerolog.New(cmd.ErrOrStderr()).Level(zerolog.WarnLevel)
			if verbose {
				logger = newLogger("development", cmd.ErrOrStderr())
			}
			summaries, err := runCheck(cmd.Context(), data, ev, time.Now().UTC(), logger)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summaries)
		},
	}
	cmd.Flags().String("file", "", "Seed file (YAML)")
	eventFlags(cmd)
	cmd.Flags().Bool("verbose", false, "Log engine activity to stderr")
	return cmd
}

func eventFlags(cmd *cobra.Command) {
	cmd.Flags().String("event", "", "Trigger event name")
	cmd.Flags().String("payload", "", "Event payload as a JSON object")
	cmd.Flags().String("patient", "", "Patient the event concerns")
}

func eventFromFlags(cmd *cobra.Command) (ruleengine.Event, error) {
	trigger, _ := cmd.Flags().GetString("event")
	if trigger == "" {
		return ruleengine.Event{}, fmt.Errorf("--event is required")
	}
	raw, _ := cmd.Flags().GetString("payload")
	payload, err := parsePayload(raw)
	if err != nil {
		return ruleengine.Event{}, err
	}
	patient, _ := cmd.Flags().GetString("patient")
	triggeredBy := "cli"
	if f := cmd.Flags().Lookup("triggered-by"); f != nil {
		triggeredBy = f.Value.String()
	}
	return ruleengine.Event{
		TriggerEvent: trigger,
		Payload:      payload,
		PatientID:    patient,
		TriggeredBy:  triggeredBy,
	}, nil
}

func parsePayload(raw string) (map[string]any, error) {
	payload := map[string]any{}
	if raw == "" {
		return payload, nil
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// storedPoint maps a seed observation onto the clinical_data_points row.
// Numbers land in value_numeric, anything else in value_text.
func storedPoint(p rules.SeedDataPoint, now time.Time) *clinicaldata.DataPoint {
	num, text := splitValue(p.Value)
	return &clinicaldata.DataPoint{
		PatientID:    p.PatientID,
		Source:       p.Source,
		Code:         p.Code,
		Status:       p.Status,
		ValueNumeric: num,
		ValueText:    text,
		EffectiveAt:  p.At(now),
	}
}

func splitValue(v any) (*float64, *string) {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil, nil
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float64:
		f = n
	case string:
		return nil, &n
	default:
		s := fmt.Sprint(v)
		return nil, &s
	}
	return &f, nil
}

// runCheck evaluates ev against the seed file held entirely in memory.
func runCheck(ctx context.Context, data []byte, ev ruleengine.Event, now time.Time, logger zerolog.Logger) ([]ruleengine.ExecutionSummary, error) {
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	f, err := rules.ParseSeed(data, validator)
	if err != nil {
		return nil, err
	}

	vars := ruleengine.NewMemoryVariableStore(f.Variables...)
	store := ruleengine.NewMemoryRuleStore(f.Rules...)

	points := ruleengine.NewMemoryDataSource()
	for _, p := range f.DataPoints {
		attrs := map[string]string{}
		for k, v := range p.Attributes {
			attrs[k] = v
		}
		if p.Code != "" {
			attrs["code"] = p.Code
		}
		if p.Status != "" {
			attrs["status"] = p.Status
		}
		points.AddPoint(ruleengine.MemoryDataPoint{
			Subject:     p.PatientID,
			Source:      p.Source,
			Attributes:  attrs,
			Fields:      map[string]any{"value": p.Value, "code": p.Code, "status": p.Status},
			EffectiveAt: p.At(now),
		})
	}

	lookups := ruleengine.NewMemoryLookupSource()
	for table, rows := range f.Lookups {
		for key, record := range rows {
			lookups.Set(table, key, record)
		}
	}

	resolver, err := ruleengine.NewResolver(vars, points, lookups, metrics.Noop{}, logger)
	if err != nil {
		return nil, err
	}
	executor := ruleengine.NewExecutor(resolver, metrics.Noop{}, logger)
	sender := notification.LogSender{Logger: logger}
	actions.Register(executor, actions.Deps{
		Notifier: notification.NewManager(sender, sender, nil),
		Tasks:    task.NewBoard(),
		Logger:   logger,
	})
	executor.Register("webhook", recordOnly())
	executor.Register("publish", recordOnly())

	dispatcher := ruleengine.NewDispatcher(store, resolver, executor,
		ruleengine.NewRecorder(store, logger),
		ruleengine.DispatcherConfig{RuleTimeout: 10 * time.Second, MaxConcurrency: 4},
		metrics.Noop{}, logger)

	if ev.TriggeredBy == "" {
		ev.TriggeredBy = "cli"
	}
	return dispatcher.Dispatch(ctx, ev)
}

// recordOnly stands in for outbound actions during an offline check.
func recordOnly() ruleengine.ActionHandler {
	return ruleengine.ActionHandlerFunc(func(_ context.Context, req ruleengine.ActionRequest) (map[string]any, error) {
		return map[string]any{"dry_run": true, "params": req.Params}, nil
	})
}

// withTenantPool connects, builds the app and runs fn inside the tenant's
// scope. withBus connects to NATS when configured so publish actions work.
func withTenantPool(ctx context.Context, cfg *config.Config, tenant string, withBus bool, fn func(ctx context.Context, a *app) error) error {
	logger := newLogger(cfg.Env, os.Stderr)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	var bus actions.Publisher
	if withBus && cfg.NATSURL != "" {
		nc, err := events.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		bus = events.NewPublisher(nc)
	}

	a, err := buildApp(ctx, cfg, pool, nil, bus, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if tenant == "" {
		tenant = cfg.DefaultTenant
	}
	return db.WithTenant(ctx, a.tenants, tenant, func(ctx context.Context) error {
		return fn(ctx, a)
	})
}
