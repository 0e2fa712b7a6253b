package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/careline/internal/domain"
	"github.com/shopspring/decimal"
)

// PostgresStore persists lifecycle state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// --- requests ---

const requestColumns = `id, client_id, category, description, address,
		       scheduled_date::text, scheduled_time, number_of_days, daily_rate, budget,
		       responses, status, created_at, updated_at`

func (p *PostgresStore) GetRequest(ctx context.Context, id int64) (*domain.ServiceRequest, error) {
	return getRequest(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOpenRequests(ctx context.Context, f RequestFilter) ([]*domain.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM service_requests
		WHERE status = 'open'
		  AND ($1 = '' OR category = $1)
		  AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`, string(f.Category), f.BeforeID, limitOrAll(f.Limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

func (p *PostgresStore) ListRequestsByClient(ctx context.Context, clientID, beforeID int64, limit int) ([]*domain.ServiceRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM service_requests
		WHERE client_id = $1
		  AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`, clientID, beforeID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRequests(rows)
}

func getRequest(ctx context.Context, q queryer, id int64, lock bool) (*domain.ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	r, err := scanRequest(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// --- offers ---

const offerColumns = `id, service_request_id, professional_id, proposed_price, final_price,
		       estimated_time, message, completion_notes, status, completed_at,
		       created_at, updated_at`

func (p *PostgresStore) GetOffer(ctx context.Context, id int64) (*domain.ServiceOffer, error) {
	return getOffer(ctx, p.db, id, false)
}

func (p *PostgresStore) ListOffersByRequest(ctx context.Context, requestID int64) ([]*domain.ServiceOffer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM service_offers
		WHERE service_request_id = $1
		ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func (p *PostgresStore) ListOffersByProfessional(ctx context.Context, professionalID, beforeID int64, limit int) ([]*domain.ServiceOffer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+`
		FROM service_offers
		WHERE professional_id = $1
		  AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3`, professionalID, beforeID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOffers(rows)
}

func getOffer(ctx context.Context, q queryer, id int64, lock bool) (*domain.ServiceOffer, error) {
	query := `SELECT ` + offerColumns + ` FROM service_offers WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOffer(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

// --- payments ---

const paymentColumns = `id, service_request_id, service_offer_id, client_id, professional_id,
		       amount, commission, professional_share, currency, external_reference,
		       idempotency_key, status, status_detail, approved_at, created_at, updated_at`

func (p *PostgresStore) GetPayment(ctx context.Context, id int64) (*domain.PaymentReference, error) {
	pr, err := scanPayment(p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payment_references WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pr, err
}

func (p *PostgresStore) GetPaymentByExternalRef(ctx context.Context, ref string) (*domain.PaymentReference, error) {
	return getPaymentByRef(ctx, p.db, ref, false)
}

func (p *PostgresStore) ListPaymentsByOffer(ctx context.Context, offerID int64) ([]*domain.PaymentReference, error) {
	return listPaymentsByOffer(ctx, p.db, offerID)
}

func (p *PostgresStore) ListStalePayments(ctx context.Context, before time.Time, afterID int64, limit int) ([]*domain.PaymentReference, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_references
		WHERE status IN ('pending', 'processing')
		  AND created_at < $1
		  AND id > $2
		ORDER BY id ASC
		LIMIT $3`, before, afterID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func getPaymentByRef(ctx context.Context, q queryer, ref string, lock bool) (*domain.PaymentReference, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_references WHERE external_reference = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	pr, err := scanPayment(q.QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pr, err
}

func listPaymentsByOffer(ctx context.Context, q queryer, offerID int64) ([]*domain.PaymentReference, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_references
		WHERE service_offer_id = $1
		ORDER BY id ASC`, offerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

// --- notifications ---

const notificationColumns = `id, user_id, type, title, message, data, is_read, read_at, created_at`

func (p *PostgresStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}
	if n.Data == nil {
		data = []byte("{}")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, type, title, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		n.UserID, string(n.Type), n.Title, n.Message, data, n.CreatedAt,
	).Scan(&n.ID)
}

func (p *PostgresStore) ListNotifications(ctx context.Context, userID int64, unreadOnly bool, beforeID int64, limit int) ([]*domain.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1
		  AND (NOT $2 OR NOT is_read)
		  AND ($3 = 0 OR id < $3)
		ORDER BY id DESC
		LIMIT $4`, userID, unreadOnly, beforeID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id, userID int64, at time.Time) (*domain.Notification, error) {
	n, err := scanNotification(p.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET is_read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2
		RETURNING `+notificationColumns, id, userID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	return n, err
}

// --- transaction ---

type pgTx struct {
	q queryer
}

func (t *pgTx) CreateRequest(ctx context.Context, r *domain.ServiceRequest) error {
	return t.q.QueryRowContext(ctx, `
		INSERT INTO service_requests (
			client_id, category, description, address, scheduled_date, scheduled_time,
			number_of_days, daily_rate, budget, responses, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::DATE, $6,
			$7, $8::NUMERIC(12,2), $9::NUMERIC(12,2), 0, $10, $11, $12
		) RETURNING id`,
		r.ClientID, string(r.Category), r.Description, r.Address, r.ScheduledDate, r.ScheduledTime,
		r.NumberOfDays, r.DailyRate, r.Budget, string(r.Status), r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
}

func (t *pgTx) GetRequestForUpdate(ctx context.Context, id int64) (*domain.ServiceRequest, error) {
	return getRequest(ctx, t.q, id, true)
}

func (t *pgTx) UpdateRequestStatus(ctx context.Context, id int64, status domain.RequestStatus, at time.Time) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE service_requests SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), at, id)
	return requireRow(result, err, ErrRequestNotFound)
}

func (t *pgTx) IncrementResponses(ctx context.Context, requestID int64) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE service_requests SET responses = responses + 1 WHERE id = $1`, requestID)
	return requireRow(result, err, ErrRequestNotFound)
}

func (t *pgTx) CreateOffer(ctx context.Context, o *domain.ServiceOffer) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO service_offers (
			service_request_id, professional_id, proposed_price, final_price,
			estimated_time, message, status, created_at, updated_at
		) VALUES (
			$1, $2, $3::NUMERIC(12,2), $4, $5, $6, $7, $8, $9
		) RETURNING id`,
		o.ServiceRequestID, o.ProfessionalID, o.ProposedPrice, nullDecimal(o.FinalPrice),
		o.EstimatedTime, o.Message, string(o.Status), o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if isForeignKeyViolation(err) {
		return ErrRequestNotFound
	}
	return err
}

func (t *pgTx) GetOfferForUpdate(ctx context.Context, id int64) (*domain.ServiceOffer, error) {
	return getOffer(ctx, t.q, id, true)
}

func (t *pgTx) UpdateOffer(ctx context.Context, o *domain.ServiceOffer) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE service_offers SET
			status = $1, final_price = $2, completion_notes = $3,
			completed_at = $4, updated_at = $5
		WHERE id = $6`,
		string(o.Status), nullDecimal(o.FinalPrice), o.CompletionNotes,
		nullTime(o.CompletedAt), o.UpdatedAt, o.ID)
	if isUniqueViolation(err, "uq_service_offers_one_accepted") {
		return ErrOfferAlreadyAccepted
	}
	return requireRow(result, err, ErrOfferNotFound)
}

func (t *pgTx) CreatePayment(ctx context.Context, p *domain.PaymentReference) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO payment_references (
			service_request_id, service_offer_id, client_id, professional_id,
			amount, commission, professional_share, currency, external_reference,
			idempotency_key, status, status_detail, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(12,2), $6::NUMERIC(12,2), $7::NUMERIC(12,2), $8, $9,
			$10, $11, $12, $13, $14
		) RETURNING id`,
		p.ServiceRequestID, p.ServiceOfferID, p.ClientID, p.ProfessionalID,
		p.Amount, p.Commission, p.ProfessionalShare, p.Currency, p.ExternalReference,
		p.IdempotencyKey, string(p.Status), p.StatusDetail, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if isUniqueViolation(err, "uq_payment_references_external") {
		return ErrDuplicateReference
	}
	return err
}

func (t *pgTx) GetPaymentByExternalRefForUpdate(ctx context.Context, ref string) (*domain.PaymentReference, error) {
	return getPaymentByRef(ctx, t.q, ref, true)
}

func (t *pgTx) ListPaymentsByOffer(ctx context.Context, offerID int64) ([]*domain.PaymentReference, error) {
	return listPaymentsByOffer(ctx, t.q, offerID)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *domain.PaymentReference) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE payment_references SET
			status = $1, status_detail = $2, approved_at = $3, updated_at = $4
		WHERE id = $5`,
		string(p.Status), p.StatusDetail, nullTime(p.ApprovedAt), p.UpdatedAt, p.ID)
	return requireRow(result, err, ErrPaymentNotFound)
}

// --- scanning ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(sc scanner) (*domain.ServiceRequest, error) {
	r := &domain.ServiceRequest{}
	var category, status string
	err := sc.Scan(
		&r.ID, &r.ClientID, &category, &r.Description, &r.Address,
		&r.ScheduledDate, &r.ScheduledTime, &r.NumberOfDays, &r.DailyRate, &r.Budget,
		&r.Responses, &status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Category = domain.Category(category)
	r.Status = domain.RequestStatus(status)
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*domain.ServiceRequest, error) {
	var out []*domain.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanOffer(sc scanner) (*domain.ServiceOffer, error) {
	o := &domain.ServiceOffer{}
	var (
		status      string
		finalPrice  decimal.NullDecimal
		completedAt sql.NullTime
	)
	err := sc.Scan(
		&o.ID, &o.ServiceRequestID, &o.ProfessionalID, &o.ProposedPrice, &finalPrice,
		&o.EstimatedTime, &o.Message, &o.CompletionNotes, &status, &completedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OfferStatus(status)
	if finalPrice.Valid {
		v := finalPrice.Decimal
		o.FinalPrice = &v
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*domain.ServiceOffer, error) {
	var out []*domain.ServiceOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanPayment(sc scanner) (*domain.PaymentReference, error) {
	p := &domain.PaymentReference{}
	var (
		status     string
		approvedAt sql.NullTime
	)
	err := sc.Scan(
		&p.ID, &p.ServiceRequestID, &p.ServiceOfferID, &p.ClientID, &p.ProfessionalID,
		&p.Amount, &p.Commission, &p.ProfessionalShare, &p.Currency, &p.ExternalReference,
		&p.IdempotencyKey, &status, &p.StatusDetail, &approvedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PaymentStatus(status)
	if approvedAt.Valid {
		p.ApprovedAt = &approvedAt.Time
	}
	return p, nil
}

func scanPayments(rows *sql.Rows) ([]*domain.PaymentReference, error) {
	var out []*domain.PaymentReference
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanNotification(sc scanner) (*domain.Notification, error) {
	n := &domain.Notification{}
	var (
		typ    string
		data   []byte
		readAt sql.NullTime
	)
	if err := sc.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &n.Read, &readAt, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Type = domain.NotificationType(typ)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("decode notification data: %w", err)
		}
	}
	if readAt.Valid {
		n.ReadAt = &readAt.Time
	}
	return n, nil
}

// --- helpers ---

func requireRow(result sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// limitOrAll maps a non-positive limit to Postgres' LIMIT ALL (NULL).
func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

var _ Store = (*PostgresStore)(nil)
