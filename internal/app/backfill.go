package app

import (
	"context"
	"errors"
	"fmt"

	"arb-scanner/internal/service"
)

// Backfill 在历史区块区间上逐步扫描并归档摘要。需要归档节点。
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	if opts.Step == 0 {
		opts.Step = 1
	}
	if opts.ToBlock < opts.FromBlock {
		return errors.New("回填范围为空，请检查 --from-block/--to-block")
	}
	if opts.ChainID == 0 {
		opts.ChainID = a.Config.ActiveProfile().Chains[0]
	}

	svcOpts, d, err := a.serviceOptions(ctx, false)
	if err != nil {
		return err
	}
	defer d.Close()

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		defer closeStore()
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		svcOpts.Archive = store
	}

	svc := service.New(svcOpts, a.Logger)

	processed := 0
	failed := 0
	for block := opts.FromBlock; block <= opts.ToBlock; block += opts.Step {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		report, err := svc.ScanAt(ctx, opts.ChainID, block)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Uint64("block", block).Msg("回填失败")
		} else {
			processed++
			fmt.Fprintf(a.Out, "block %d: %d opportunities, %d errors\n", block, len(report.Opportunities), len(report.Errors))
		}
		// 防止 ToBlock 接近 uint64 上限时溢出回绕。
		if opts.ToBlock-block < opts.Step {
			break
		}
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分区块回填失败，请检查日志")
	}
	return nil
}
