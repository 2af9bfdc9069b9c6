package devices

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cedarledger/cedarledger/internal/tenant"
)

// ErrNotFound indicates no such device.
var ErrNotFound = errors.New("devices: not found")

// Repository manages the device registry.
type Repository interface {
	// GetByID loads a device for authentication. It runs before a tenant
	// scope exists; the device row itself establishes the company.
	GetByID(ctx context.Context, id uuid.UUID) (Device, error)
	GetByCode(ctx context.Context, scope tenant.Scope, code string) (Device, error)
	List(ctx context.Context, scope tenant.Scope) ([]Device, error)
	Insert(ctx context.Context, device Device) error
	UpdateTokenHash(ctx context.Context, scope tenant.Scope, id uuid.UUID, hash []byte) error
}

type repository struct {
	db *pgxpool.Pool
}

// NewRepository constructs a pgx-backed device repository.
func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

const deviceColumns = `id, company_id, branch_id, device_code, device_token_hash, last_applied_seq, created_at`

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (Device, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM pos_devices WHERE id=$1`, id)
	return scanDevice(row)
}

func (r *repository) GetByCode(ctx context.Context, scope tenant.Scope, code string) (Device, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM pos_devices WHERE company_id=$1 AND device_code=$2`, scope.CompanyID, code)
	device, err := scanDevice(row)
	if err != nil {
		return Device{}, err
	}
	if err := scope.Check(device.CompanyID); err != nil {
		return Device{}, err
	}
	return device, nil
}

func (r *repository) List(ctx context.Context, scope tenant.Scope) ([]Device, error) {
	rows, err := r.db.Query(ctx, `SELECT `+deviceColumns+` FROM pos_devices WHERE company_id=$1 ORDER BY created_at DESC`, scope.CompanyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, device)
	}
	return out, rows.Err()
}

func (r *repository) Insert(ctx context.Context, device Device) error {
	_, err := r.db.Exec(ctx, `INSERT INTO pos_devices (`+deviceColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		device.ID, device.CompanyID, device.BranchID, device.DeviceCode, device.TokenHash, device.LastAppliedSeq, device.CreatedAt)
	return err
}

func (r *repository) UpdateTokenHash(ctx context.Context, scope tenant.Scope, id uuid.UUID, hash []byte) error {
	cmd, err := r.db.Exec(ctx, `UPDATE pos_devices SET device_token_hash=$3 WHERE company_id=$1 AND id=$2`, scope.CompanyID, id, hash)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanDevice(row pgx.Row) (Device, error) {
	var device Device
	err := row.Scan(&device.ID, &device.CompanyID, &device.BranchID, &device.DeviceCode,
		&device.TokenHash, &device.LastAppliedSeq, &device.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, err
	}
	return device, nil
}
