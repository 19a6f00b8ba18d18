package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Agos-Inc/agos-marketplace/internal/messaging"
)

// LogSource is the slice of the RPC client the listener needs.
// *ethclient.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Listener polls the payment router for OrderPaid logs, normalizes them and
// publishes the survivors for reconciliation. Malformed logs and events in an
// unexpected settlement token are dropped here; they are noise, not failures.
type Listener struct {
	source        LogSource
	router        common.Address
	expectedToken string
	publisher     messaging.Publisher
	interval      time.Duration
	rpcTimeout    time.Duration
	logger        *slog.Logger

	cursor uint64
}

func NewListener(source LogSource, router common.Address, expectedToken string, publisher messaging.Publisher, interval, rpcTimeout time.Duration, logger *slog.Logger) *Listener {
	return &Listener{
		source:        source,
		router:        router,
		expectedToken: expectedToken,
		publisher:     publisher,
		interval:      interval,
		rpcTimeout:    rpcTimeout,
		logger:        logger,
	}
}

// Run polls until the context is cancelled. The log stream may redeliver or
// reorder events across polls; downstream dedup makes that harmless.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.initCursor(ctx); err != nil {
		return err
	}

	l.logger.Info("order paid listener started", "router", l.router.Hex(), "from_block", l.cursor)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.poll(ctx); err != nil {
				l.logger.Error("chain poll failed", "err", err)
			}
		}
	}
}

func (l *Listener) initCursor(ctx context.Context) error {
	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout)
	defer cancel()

	latest, err := l.source.BlockNumber(rpcCtx)
	if err != nil {
		return fmt.Errorf("fetch latest block: %w", err)
	}
	l.cursor = latest
	return nil
}

func (l *Listener) poll(ctx context.Context) error {
	rpcCtx, cancel := context.WithTimeout(ctx, l.rpcTimeout)
	defer cancel()

	latest, err := l.source.BlockNumber(rpcCtx)
	if err != nil {
		return fmt.Errorf("fetch latest block: %w", err)
	}
	if latest <= l.cursor {
		return nil
	}

	logs, err := l.source.FilterLogs(rpcCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(l.cursor + 1),
		ToBlock:   new(big.Int).SetUint64(latest),
		Addresses: []common.Address{l.router},
		Topics:    [][]common.Hash{{OrderPaidTopic}},
	})
	if err != nil {
		return fmt.Errorf("filter logs: %w", err)
	}

	for _, lg := range logs {
		l.handleLog(ctx, lg)
	}

	l.cursor = latest
	return nil
}

func (l *Listener) handleLog(ctx context.Context, lg types.Log) {
	if lg.Removed {
		return
	}

	evt := ParseOrderPaidLog(lg)
	if evt == nil {
		l.logger.Warn("dropping malformed OrderPaid log", "tx_hash", lg.TxHash.Hex(), "log_index", lg.Index)
		return
	}

	if !evt.HasExpectedToken(l.expectedToken) {
		l.logger.Warn("dropping OrderPaid log with unexpected token",
			"tx_hash", evt.TxHash, "token", evt.Token, "expected", l.expectedToken)
		return
	}

	if err := l.publisher.Publish(ctx, evt); err != nil {
		l.logger.Error("publish OrderPaid event", "tx_hash", evt.TxHash, "err", err)
		return
	}

	l.logger.Info("published OrderPaid event",
		"order_id_hex", evt.OrderIDHex, "tx_hash", evt.TxHash, "log_index", evt.LogIndex)
}
