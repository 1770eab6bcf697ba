package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"arb-scanner/internal/execution"
	"arb-scanner/internal/service"
)

// ScanOnce runs one cycle across the profile's chains. It never executes.
func (a *App) ScanOnce(ctx context.Context, asJSON bool) error {
	opts, d, err := a.serviceOptions(ctx, false)
	if err != nil {
		return err
	}
	defer d.Close()

	svc := service.New(opts, a.Logger)
	cycle, err := svc.ScanOnce(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		return a.writeJSON(cycle)
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Chain\tBlock\tPair\tBuy\tSell\tGap%\tNet ETH\tScore\tPasses\tFlags")
	for _, report := range cycle.Reports {
		if len(report.Ranked) == 0 {
			fmt.Fprintf(writer, "%d\t%d\t-\t-\t-\t-\t-\t-\t-\t%d errors\n", report.ChainID, report.BlockNumber, len(report.Errors))
			continue
		}
		for _, r := range report.Ranked {
			o, s := r.Opportunity, r.Simulation
			fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%s\t%.4f\t%.6f\t%.4f\t%t\t%s\n",
				report.ChainID, report.BlockNumber, o.Pair, o.BuyFrom, o.SellTo,
				o.GrossGap*100, s.NetProfitEth, r.Score, s.PassesThreshold, strings.Join(s.RiskFlags, ","))
		}
	}
	writer.Flush()

	for _, report := range cycle.Reports {
		for _, e := range report.Errors {
			fmt.Fprintf(a.Out, "chain %d: %s %s: %s\n", report.ChainID, e.Pair, e.Source, sanitizeInline(e.Message))
		}
	}
	return nil
}

// Health probes every endpoint of the profile's chains. Any chain without a
// healthy endpoint makes the command fail.
func (a *App) Health(ctx context.Context) error {
	opts, d, err := a.serviceOptions(ctx, false)
	if err != nil {
		return err
	}
	defer d.Close()

	snap := service.New(opts, a.Logger).CheckHealth(ctx)

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Chain\tEndpoint\tOK\tBlock\tLatency(ms)\tError")
	for _, ch := range snap.Chains {
		for _, ep := range ch.Endpoints {
			fmt.Fprintf(writer, "%d (%s)\t%s\t%t\t%d\t%d\t%s\n",
				ch.ChainID, ch.Name, ep.EndpointName, ep.OK, ep.BlockNumber, ep.LatencyMs, sanitizeInline(ep.Error))
		}
	}
	writer.Flush()

	if !snap.OK {
		return errors.New("at least one chain has no healthy rpc endpoint")
	}
	return nil
}

type statusView struct {
	Health    *service.HealthSnapshot `json:"health"`
	Execution execution.Snapshot      `json:"execution"`
}

// Status prints the last health snapshot and the execution state.
func (a *App) Status() error {
	engine, err := a.newEngine(nil)
	if err != nil {
		return err
	}
	snap, err := engine.Status()
	if err != nil {
		return err
	}
	health, err := a.artifacts().Health()
	if err != nil {
		return err
	}
	return a.writeJSON(statusView{Health: health, Execution: snap})
}

// KillSwitch engages, disengages or reports the execution kill switch.
func (a *App) KillSwitch(action, reason string) error {
	ks := execution.NewKillSwitch(a.killSwitchPath())
	switch action {
	case "on":
		if reason == "" {
			reason = "manual"
		}
		if err := ks.Engage(reason, time.Now().UTC()); err != nil {
			return err
		}
		a.Logger.Warn().Str("path", ks.Path()).Str("reason", reason).Msg("kill switch engaged")
	case "off":
		if err := ks.Disengage(); err != nil {
			return err
		}
		a.Logger.Info().Str("path", ks.Path()).Msg("kill switch disengaged")
	case "status":
	default:
		return fmt.Errorf("unknown kill switch action %q (want on|off|status)", action)
	}

	if ks.Active() {
		fmt.Fprintf(a.Out, "kill switch ACTIVE: %s\n", ks.Reason())
	} else {
		fmt.Fprintln(a.Out, "kill switch inactive")
	}
	return nil
}

func (a *App) writeJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
