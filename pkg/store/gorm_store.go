package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"pocketclaw/internal/util"
	"pocketclaw/pkg/domain"
)

const migrateLockID int64 = 52115211

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent service starts do not race each other.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&MachineModel{},
			&MessageModel{},
			&CreditAccountModel{},
			&CreditTransactionModel{},
			&UsageLogModel{},
			&MemoryModel{},
			&IntegrationModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", migrateLockID).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		return fn(tx)
	})
}

func (s *GormStore) GetMachine(userID string) (domain.MachineRecord, bool, error) {
	var m MachineModel
	err := s.db.Where("user_id = ?", userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.MachineRecord{}, false, nil
	}
	if err != nil {
		return domain.MachineRecord{}, false, err
	}
	return machineFromModel(m), true, nil
}

func (s *GormStore) SaveMachine(record domain.MachineRecord) error {
	m := MachineModel{
		ID:              record.ID,
		UserID:          record.UserID,
		RemoteMachineID: record.RemoteMachineID,
		Status:          string(record.Status),
		Version:         record.Version,
		CreatedAt:       record.CreatedAt,
		UpdatedAt:       record.UpdatedAt,
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&m).Error
}

func (s *GormStore) AppendMessage(msg domain.Message) error {
	m := MessageModel{
		ID:        msg.ID,
		UserID:    msg.UserID,
		Role:      msg.Role,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	return s.db.Create(&m).Error
}

func (s *GormStore) ListMessages(userID string, limit, offset int) ([]domain.Message, error) {
	var models []MessageModel
	q := s.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m))
	}
	return out, nil
}

func (s *GormStore) DeleteMessages(userID string) error {
	return s.db.Where("user_id = ?", userID).Delete(&MessageModel{}).Error
}

func (s *GormStore) GetOrCreateCreditAccount(userID string) (domain.CreditAccount, error) {
	var account CreditAccountModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", userID).First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			account = CreditAccountModel{
				ID:        util.NewID(),
				UserID:    userID,
				UpdatedAt: time.Now().UTC(),
			}
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "user_id"}},
				DoNothing: true,
			}).Create(&account).Error
		}
		return err
	})
	if err != nil {
		return domain.CreditAccount{}, err
	}
	return accountFromModel(account), nil
}

func (s *GormStore) DebitCredits(userID string, amount int, description string) (bool, int, error) {
	var (
		ok      bool
		balance int
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}
		balance = account.Balance
		if account.Balance < amount {
			return nil
		}
		if err := applyDebit(tx, &account, amount, description); err != nil {
			return err
		}
		ok = true
		balance = account.Balance
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return ok, balance, nil
}

func (s *GormStore) AddCredits(userID string, amount int, txType domain.TransactionType, description string) (int, error) {
	var balance int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		account, err := lockAccount(tx, userID)
		if err != nil {
			return err
		}
		account.Balance += amount
		if txType == domain.TransactionPurchase {
			account.TotalPurchased += amount
		}
		account.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&account).Error; err != nil {
			return err
		}
		balance = account.Balance
		return tx.Create(&CreditTransactionModel{
			ID:          util.NewID(),
			UserID:      userID,
			Amount:      amount,
			Type:        string(txType),
			Description: description,
			CreatedAt:   time.Now().UTC(),
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (s *GormStore) ListTransactions(userID string, limit int) ([]domain.CreditTransaction, error) {
	var models []CreditTransactionModel
	q := s.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.CreditTransaction, 0, len(models))
	for _, m := range models {
		out = append(out, domain.CreditTransaction{
			ID:          m.ID,
			UserID:      m.UserID,
			Amount:      m.Amount,
			Type:        domain.TransactionType(m.Type),
			Description: m.Description,
			CreatedAt:   m.CreatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) UsageStatsSince(userID string, since time.Time) (domain.UsageStats, error) {
	var row struct {
		TotalInputTokens  int
		TotalOutputTokens int
		TotalCreditsUsed  int
		MessageCount      int
	}
	err := s.db.Model(&UsageLogModel{}).
		Select("COALESCE(SUM(input_tokens), 0) AS total_input_tokens, COALESCE(SUM(output_tokens), 0) AS total_output_tokens, COALESCE(SUM(credits_used), 0) AS total_credits_used, COUNT(*) AS message_count").
		Where("user_id = ? AND created_at >= ?", userID, since).
		Scan(&row).Error
	if err != nil {
		return domain.UsageStats{}, err
	}
	return domain.UsageStats{
		TotalInputTokens:  row.TotalInputTokens,
		TotalOutputTokens: row.TotalOutputTokens,
		TotalCreditsUsed:  row.TotalCreditsUsed,
		MessageCount:      row.MessageCount,
	}, nil
}

func (s *GormStore) CommitExchange(assistant domain.Message, usage domain.UsageLog, debitDescription string) (ExchangeCommit, error) {
	var commit ExchangeCommit
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&MessageModel{
			ID:        assistant.ID,
			UserID:    assistant.UserID,
			Role:      assistant.Role,
			Content:   assistant.Content,
			CreatedAt: assistant.CreatedAt,
		}).Error; err != nil {
			return fmt.Errorf("save assistant message: %w", err)
		}
		if err := tx.Create(&UsageLogModel{
			ID:           usage.ID,
			UserID:       usage.UserID,
			MessageID:    assistant.ID,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CreditsUsed:  usage.CreditsUsed,
			Model:        usage.Model,
			CreatedAt:    usage.CreatedAt,
		}).Error; err != nil {
			return fmt.Errorf("save usage log: %w", err)
		}
		account, err := lockAccount(tx, usage.UserID)
		if err != nil {
			return err
		}
		if account.Balance < usage.CreditsUsed {
			return ErrInsufficientCredits
		}
		if err := applyDebit(tx, &account, usage.CreditsUsed, debitDescription); err != nil {
			return err
		}
		commit = ExchangeCommit{CreditsUsed: usage.CreditsUsed, NewBalance: account.Balance}
		return nil
	})
	if err != nil {
		return ExchangeCommit{}, err
	}
	return commit, nil
}

func (s *GormStore) ListMemories(userID string) ([]domain.Memory, error) {
	var models []MemoryModel
	if err := s.db.Where("user_id = ?", userID).Order("key ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Memory, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Memory{
			ID:        m.ID,
			UserID:    m.UserID,
			Key:       m.Key,
			Value:     m.Value,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) UpsertMemory(memory domain.Memory) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&MemoryModel{
		ID:        memory.ID,
		UserID:    memory.UserID,
		Key:       memory.Key,
		Value:     memory.Value,
		CreatedAt: memory.CreatedAt,
		UpdatedAt: memory.UpdatedAt,
	}).Error
}

func (s *GormStore) ListIntegrations(userID string) ([]domain.Integration, error) {
	var models []IntegrationModel
	if err := s.db.Where("user_id = ?", userID).Order("type ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Integration, 0, len(models))
	for _, m := range models {
		out = append(out, domain.Integration{
			ID:          m.ID,
			UserID:      m.UserID,
			Type:        m.Type,
			Credentials: []byte(m.Credentials),
			Enabled:     m.Enabled,
			CreatedAt:   m.CreatedAt,
			UpdatedAt:   m.UpdatedAt,
		})
	}
	return out, nil
}

func (s *GormStore) UpsertIntegration(integration domain.Integration) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"credentials", "enabled", "updated_at"}),
	}).Create(&IntegrationModel{
		ID:          integration.ID,
		UserID:      integration.UserID,
		Type:        integration.Type,
		Credentials: integration.Credentials,
		Enabled:     integration.Enabled,
		CreatedAt:   integration.CreatedAt,
		UpdatedAt:   integration.UpdatedAt,
	}).Error
}

// lockAccount loads the user's account row FOR UPDATE, creating the zero
// balance row first when absent so concurrent debits serialize on it.
func lockAccount(tx *gorm.DB, userID string) (CreditAccountModel, error) {
	var account CreditAccountModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = CreditAccountModel{
			ID:        util.NewID(),
			UserID:    userID,
			UpdatedAt: time.Now().UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).Create(&account).Error; err != nil {
			return account, err
		}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&account).Error
	}
	return account, err
}

func applyDebit(tx *gorm.DB, account *CreditAccountModel, amount int, description string) error {
	account.Balance -= amount
	account.TotalUsed += amount
	account.UpdatedAt = time.Now().UTC()
	if err := tx.Save(account).Error; err != nil {
		return err
	}
	return tx.Create(&CreditTransactionModel{
		ID:          util.NewID(),
		UserID:      account.UserID,
		Amount:      -amount,
		Type:        string(domain.TransactionUsage),
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}).Error
}

func machineFromModel(m MachineModel) domain.MachineRecord {
	return domain.MachineRecord{
		ID:              m.ID,
		UserID:          m.UserID,
		RemoteMachineID: m.RemoteMachineID,
		Status:          domain.MachineStatus(m.Status),
		Version:         m.Version,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		UserID:    m.UserID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func accountFromModel(m CreditAccountModel) domain.CreditAccount {
	return domain.CreditAccount{
		ID:             m.ID,
		UserID:         m.UserID,
		Balance:        m.Balance,
		TotalPurchased: m.TotalPurchased,
		TotalUsed:      m.TotalUsed,
		UpdatedAt:      m.UpdatedAt,
	}
}
