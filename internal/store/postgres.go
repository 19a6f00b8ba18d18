package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

const orderColumns = `order_id, order_id_hex, service_id, service_id_hex, buyer_wallet,
		supplier_wallet, amount_usdt, amount_atomic, token_decimals, token_address,
		chain_id, status, input_payload, result_payload, error_message, tx_hash,
		created_at, updated_at`

const serviceColumns = `service_id, service_id_hex, name, description, input_schema,
		output_schema, price_usdt, price_atomic, token_decimals, endpoint,
		supplier_wallet, version, is_active`

// Postgres is the durable Store. Per-order atomicity comes from row locks
// taken inside a transaction; the payment-event and nonce tables rely on
// unique constraints for their insert-or-reject semantics.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Provider() string { return "postgres" }

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) RegisterService(ctx context.Context, svc order.Service) (order.Service, error) {
	normalized, err := normalizeService(svc)
	if err != nil {
		return order.Service{}, err
	}

	inputSchema, err := json.Marshal(normalized.InputSchema)
	if err != nil {
		return order.Service{}, fmt.Errorf("marshal input_schema: %w", err)
	}
	outputSchema, err := json.Marshal(normalized.OutputSchema)
	if err != nil {
		return order.Service{}, fmt.Errorf("marshal output_schema: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO services (service_id, service_id_hex, name, description, input_schema,
			output_schema, price_usdt, price_atomic, token_decimals, endpoint,
			supplier_wallet, version, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (service_id) DO UPDATE SET
			service_id_hex = EXCLUDED.service_id_hex,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			input_schema = EXCLUDED.input_schema,
			output_schema = EXCLUDED.output_schema,
			price_usdt = EXCLUDED.price_usdt,
			price_atomic = EXCLUDED.price_atomic,
			token_decimals = EXCLUDED.token_decimals,
			endpoint = EXCLUDED.endpoint,
			supplier_wallet = EXCLUDED.supplier_wallet,
			version = EXCLUDED.version,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()`,
		normalized.ServiceID, normalized.ServiceIDHex, normalized.Name, normalized.Description,
		inputSchema, outputSchema, normalized.PriceUSDT, normalized.PriceAtomic,
		normalized.TokenDecimals, normalized.Endpoint, normalized.SupplierWallet,
		normalized.Version, normalized.IsActive,
	)
	if err != nil {
		return order.Service{}, fmt.Errorf("upsert service: %w", err)
	}

	return normalized, nil
}

func (p *Postgres) ListServices(ctx context.Context) ([]order.Service, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+serviceColumns+`
		FROM services
		WHERE is_active
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer rows.Close()

	var result []order.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, svc)
	}
	return result, rows.Err()
}

func (p *Postgres) GetService(ctx context.Context, serviceID string) (order.Service, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+serviceColumns+`
		FROM services
		WHERE service_id = $1`, serviceID)

	svc, err := scanService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Service{}, fmt.Errorf("%w: %s", order.ErrServiceNotFound, serviceID)
		}
		return order.Service{}, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

func (p *Postgres) CreateOrder(ctx context.Context, req order.CreateOrderRequest, tokenAddress string, chainID int64) (order.Order, error) {
	svc, err := p.GetService(ctx, req.ServiceID)
	if err != nil {
		return order.Order{}, err
	}

	o, err := newOrder(svc, req, tokenAddress, chainID, time.Now())
	if err != nil {
		return order.Order{}, err
	}

	inputPayload, err := json.Marshal(o.InputPayload)
	if err != nil {
		return order.Order{}, fmt.Errorf("marshal input_payload: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO orders (order_id, order_id_hex, service_id, service_id_hex, buyer_wallet,
			supplier_wallet, amount_usdt, amount_atomic, token_decimals, token_address,
			chain_id, status, input_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		o.OrderID, o.OrderIDHex, o.ServiceID, o.ServiceIDHex, o.BuyerWallet,
		o.SupplierWallet, o.AmountUSDT, o.AmountAtomic, o.TokenDecimals, o.TokenAddress,
		o.ChainID, o.Status, inputPayload, o.CreatedAt,
	)
	if err != nil {
		return order.Order{}, fmt.Errorf("insert order: %w", err)
	}

	return o, nil
}

func (p *Postgres) ListOrders(ctx context.Context, status *order.Status) ([]order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC`
	args := []any{}
	if status != nil {
		query = `SELECT ` + orderColumns + ` FROM orders WHERE status = $1 ORDER BY created_at DESC`
		args = append(args, *status)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *Postgres) GetOrder(ctx context.Context, orderID string) (order.Order, error) {
	return p.getOrderBy(ctx, `order_id = $1`, orderID)
}

func (p *Postgres) GetOrderByHex(ctx context.Context, orderIDHex string) (order.Order, error) {
	return p.getOrderBy(ctx, `LOWER(order_id_hex) = LOWER($1)`, orderIDHex)
}

func (p *Postgres) getOrderBy(ctx context.Context, where string, arg any) (order.Order, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, fmt.Errorf("%w: %v", order.ErrOrderNotFound, arg)
		}
		return order.Order{}, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (p *Postgres) TransitionOrder(ctx context.Context, orderID string, to order.Status, md order.TransitionMetadata) (order.Order, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback(ctx)

	current, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return order.Order{}, err
	}

	next, err := current.WithTransition(to, md, time.Now())
	if err != nil {
		return order.Order{}, err
	}

	if err := updateOrder(ctx, tx, next); err != nil {
		return order.Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, err
	}
	return next, nil
}

func (p *Postgres) RecordPaymentEvent(ctx context.Context, orderID string, evt order.PaymentEvent) (order.PaymentResult, error) {
	if err := validatePaymentEvent(evt); err != nil {
		return order.PaymentResult{}, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.PaymentResult{}, err
	}
	defer tx.Rollback(ctx)

	current, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return order.PaymentResult{}, err
	}

	rawEvent, err := json.Marshal(evt.RawEvent)
	if err != nil {
		return order.PaymentResult{}, fmt.Errorf("marshal raw_event: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO payment_events (tx_hash, log_index, order_id, block_number, raw_event)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		evt.TxHash, evt.LogIndex, orderID, evt.BlockNumber, rawEvent,
	)
	if err != nil {
		return order.PaymentResult{}, fmt.Errorf("insert payment event: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var recordedFor string
		err := tx.QueryRow(ctx,
			`SELECT order_id FROM payment_events WHERE tx_hash = $1 AND log_index = $2`,
			evt.TxHash, evt.LogIndex,
		).Scan(&recordedFor)
		if err != nil {
			return order.PaymentResult{}, fmt.Errorf("lookup payment event: %w", err)
		}
		if recordedFor != orderID {
			return order.PaymentResult{}, fmt.Errorf("%w: payment event %s:%d already recorded for order %s", order.ErrValidation, evt.TxHash, evt.LogIndex, recordedFor)
		}
		return order.PaymentResult{Order: current, DuplicateEvent: true}, nil
	}

	if current.Status != order.StatusCreated {
		if err := tx.Commit(ctx); err != nil {
			return order.PaymentResult{}, err
		}
		return order.PaymentResult{Order: current}, nil
	}

	txHash := evt.TxHash
	next, err := current.WithTransition(order.StatusPaid, order.TransitionMetadata{TxHash: &txHash}, time.Now())
	if err != nil {
		return order.PaymentResult{}, err
	}

	if err := updateOrder(ctx, tx, next); err != nil {
		return order.PaymentResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return order.PaymentResult{}, err
	}
	return order.PaymentResult{Order: next, TransitionedToPaid: true}, nil
}

func (p *Postgres) ApplySupplierCallback(ctx context.Context, orderID string, cb order.Callback) (order.Order, error) {
	if err := cb.Validate(); err != nil {
		return order.Order{}, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback(ctx)

	current, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return order.Order{}, err
	}

	if current.Status != order.StatusRunning {
		return order.Order{}, fmt.Errorf("%w: callback rejected: order in %s", order.ErrInvalidTransition, current.Status)
	}

	next, err := current.WithTransition(cb.Status, order.TransitionMetadata{ErrorMessage: cb.Error}, time.Now())
	if err != nil {
		return order.Order{}, err
	}
	next.ResultPayload = cb.Output

	var resultPayload []byte
	if next.ResultPayload != nil {
		resultPayload, err = json.Marshal(next.ResultPayload)
		if err != nil {
			return order.Order{}, fmt.Errorf("marshal result_payload: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, result_payload = $3, error_message = $4, updated_at = $5
		WHERE order_id = $1`,
		next.OrderID, next.Status, resultPayload, next.ErrorMessage, next.UpdatedAt,
	)
	if err != nil {
		return order.Order{}, fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrOrderNotFound, orderID)
	}

	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, err
	}
	return next, nil
}

func (p *Postgres) VerifyAndConsumeNonce(ctx context.Context, nonce string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO callback_nonces (nonce)
		VALUES ($1)
		ON CONFLICT (nonce) DO NOTHING`, nonce)
	if err != nil {
		return false, fmt.Errorf("insert nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func lockOrder(ctx context.Context, tx pgx.Tx, orderID string) (order.Order, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
		FOR UPDATE`, orderID)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, fmt.Errorf("%w: %s", order.ErrOrderNotFound, orderID)
		}
		return order.Order{}, fmt.Errorf("lock order: %w", err)
	}
	return o, nil
}

func updateOrder(ctx context.Context, tx pgx.Tx, o order.Order) error {
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, tx_hash = $3, error_message = $4, updated_at = $5
		WHERE order_id = $1`,
		o.OrderID, o.Status, o.TxHash, o.ErrorMessage, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", order.ErrOrderNotFound, o.OrderID)
	}
	return nil
}

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		o             order.Order
		inputPayload  []byte
		resultPayload []byte
	)

	err := row.Scan(
		&o.OrderID, &o.OrderIDHex, &o.ServiceID, &o.ServiceIDHex, &o.BuyerWallet,
		&o.SupplierWallet, &o.AmountUSDT, &o.AmountAtomic, &o.TokenDecimals, &o.TokenAddress,
		&o.ChainID, &o.Status, &inputPayload, &resultPayload, &o.ErrorMessage, &o.TxHash,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return order.Order{}, err
	}

	if err := json.Unmarshal(inputPayload, &o.InputPayload); err != nil {
		return order.Order{}, fmt.Errorf("decode input_payload: %w", err)
	}
	if resultPayload != nil {
		if err := json.Unmarshal(resultPayload, &o.ResultPayload); err != nil {
			return order.Order{}, fmt.Errorf("decode result_payload: %w", err)
		}
	}
	return o, nil
}

func scanService(row pgx.Row) (order.Service, error) {
	var (
		svc          order.Service
		inputSchema  []byte
		outputSchema []byte
	)

	err := row.Scan(
		&svc.ServiceID, &svc.ServiceIDHex, &svc.Name, &svc.Description, &inputSchema,
		&outputSchema, &svc.PriceUSDT, &svc.PriceAtomic, &svc.TokenDecimals, &svc.Endpoint,
		&svc.SupplierWallet, &svc.Version, &svc.IsActive,
	)
	if err != nil {
		return order.Service{}, err
	}

	if err := json.Unmarshal(inputSchema, &svc.InputSchema); err != nil {
		return order.Service{}, fmt.Errorf("decode input_schema: %w", err)
	}
	if err := json.Unmarshal(outputSchema, &svc.OutputSchema); err != nil {
		return order.Service{}, fmt.Errorf("decode output_schema: %w", err)
	}
	return svc, nil
}
