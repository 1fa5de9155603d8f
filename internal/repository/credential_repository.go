package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
)

// CredentialRepository stores SOCKS5 credentials and hands them out with a
// row-level lock so several processes can claim from one table.
type CredentialRepository interface {
	// ReplaceForHost drops every credential of host and inserts creds in one transaction
	ReplaceForHost(ctx context.Context, host string, creds []domain.ProxyCredential) error
	CountAvailable(ctx context.Context) (int64, error)
	// Claim locks one available row, skipping rows locked by other claimants,
	// and marks it leased until expiresAt. Returns ErrNoneAvailable when empty.
	Claim(ctx context.Context, expiresAt time.Time) (domain.ProxyCredential, error)
	FindByUsername(ctx context.Context, username string) (domain.ProxyCredential, error)
	FindAll(ctx context.Context) ([]domain.ProxyCredential, error)
}

type credentialRecord struct {
	Username  string `gorm:"column:username;primaryKey"`
	Password  string `gorm:"column:password"`
	IPAddress string `gorm:"column:ip_address"`
	Port      int    `gorm:"column:port"`
	Available bool   `gorm:"column:available"`
	ExpiresAt int64  `gorm:"column:expires_at"`
	Updated   int64  `gorm:"column:updated"`
}

func (credentialRecord) TableName() string { return "worker_socks5_configs" }

func (r credentialRecord) toDomain() domain.ProxyCredential {
	return domain.ProxyCredential{
		Username:  r.Username,
		Password:  r.Password,
		IPAddress: r.IPAddress,
		Port:      r.Port,
		Available: r.Available,
		ExpiresAt: fromMillis(r.ExpiresAt),
		Updated:   fromMillis(r.Updated),
	}
}

func recordFromDomain(c domain.ProxyCredential) credentialRecord {
	return credentialRecord{
		Username:  c.Username,
		Password:  c.Password,
		IPAddress: c.IPAddress,
		Port:      c.Port,
		Available: c.Available,
		ExpiresAt: toMillis(c.ExpiresAt),
		Updated:   toMillis(c.Updated),
	}
}

type credentialRepositoryImpl struct {
	db *gorm.DB
}

// NewCredentialRepository creates a credential repository on a gorm session
func NewCredentialRepository(db *gorm.DB) CredentialRepository {
	return &credentialRepositoryImpl{db: db}
}

func (r *credentialRepositoryImpl) ReplaceForHost(ctx context.Context, host string, creds []domain.ProxyCredential) error {
	now := time.Now()
	records := make([]credentialRecord, 0, len(creds))
	for _, c := range creds {
		if c.Username == "" {
			return fmt.Errorf("%w: credential without username", ErrInvalidEntity)
		}
		rec := recordFromDomain(c)
		rec.Updated = now.UnixMilli()
		records = append(records, rec)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("ip_address = ?", host).Delete(&credentialRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear credentials for %s: %w", host, err)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.Create(&records).Error; err != nil {
			return fmt.Errorf("failed to insert credentials: %w", err)
		}
		return nil
	})
}

func (r *credentialRepositoryImpl) CountAvailable(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&credentialRecord{}).Where("available = ?", true).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count available credentials: %w", err)
	}
	return count, nil
}

func (r *credentialRepositoryImpl) Claim(ctx context.Context, expiresAt time.Time) (domain.ProxyCredential, error) {
	var claimed credentialRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// SELECT ... FOR UPDATE SKIP LOCKED; the sqlite dialect drops the
		// locking clause and relies on the transaction alone.
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("available = ?", true).
			Order("username").
			Limit(1).
			Find(&claimed)
		if res.Error != nil {
			return fmt.Errorf("failed to select credential: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNoneAvailable
		}

		claimed.Available = false
		claimed.ExpiresAt = expiresAt.UnixMilli()
		claimed.Updated = time.Now().UnixMilli()

		upd := tx.Model(&credentialRecord{}).
			Where("username = ? AND available = ?", claimed.Username, true).
			Updates(map[string]any{
				"available":  false,
				"expires_at": claimed.ExpiresAt,
				"updated":    claimed.Updated,
			})
		if upd.Error != nil {
			return fmt.Errorf("failed to mark credential %s leased: %w", claimed.Username, upd.Error)
		}
		if upd.RowsAffected == 0 {
			return ErrNoneAvailable
		}
		return nil
	})
	if err != nil {
		return domain.ProxyCredential{}, err
	}

	return claimed.toDomain(), nil
}

func (r *credentialRepositoryImpl) FindByUsername(ctx context.Context, username string) (domain.ProxyCredential, error) {
	var rec credentialRecord
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ProxyCredential{}, ErrNotFound
		}
		return domain.ProxyCredential{}, fmt.Errorf("failed to find credential: %w", err)
	}
	return rec.toDomain(), nil
}

func (r *credentialRepositoryImpl) FindAll(ctx context.Context) ([]domain.ProxyCredential, error) {
	var records []credentialRecord
	if err := r.db.WithContext(ctx).Order("username").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find credentials: %w", err)
	}

	creds := make([]domain.ProxyCredential, 0, len(records))
	for _, rec := range records {
		creds = append(creds, rec.toDomain())
	}
	return creds, nil
}
