package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/rank"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/settings"
)

var (
	_ rank.Store     = (*Store)(nil)
	_ settings.Store = (*Store)(nil)
)

func (store *Store) ListRanks(ctx context.Context, activeOnly bool) ([]rank.Rank, error) {
	query := store.session(ctx).Order("min_deposit ASC").Order("sort_order ASC")
	if activeOnly {
		query = query.Where("status = ?", string(rank.StatusActive))
	}
	var rows []Rank
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRank, errorCodeList, err)
	}
	ranks := make([]rank.Rank, 0, len(rows))
	for _, row := range rows {
		status, err := rank.ParseStatus(row.Status)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRank, errorCodeInvalid, err)
		}
		ranks = append(ranks, rank.Rank{
			ID:           row.ID,
			Name:         row.Name,
			MinDeposit:   ledger.Amount(row.MinDeposit),
			BonusPercent: row.BonusPercent,
			Color:        row.Color,
			Icon:         row.Icon,
			Status:       status,
			SortOrder:    row.SortOrder,
		})
	}
	return ranks, nil
}

// SaveRank inserts a rank without an id and updates the row with the given id otherwise.
func (store *Store) SaveRank(ctx context.Context, value rank.Rank) (rank.Rank, error) {
	now := time.Now().UTC()
	if value.Status == "" {
		value.Status = rank.StatusActive
	}
	if value.ID == 0 {
		row := Rank{
			Name:         value.Name,
			MinDeposit:   value.MinDeposit.Int64(),
			BonusPercent: value.BonusPercent,
			Color:        value.Color,
			Icon:         value.Icon,
			Status:       string(value.Status),
			SortOrder:    value.SortOrder,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err := store.session(ctx).Create(&row).Error
		if isUniqueViolation(err) {
			return rank.Rank{}, wrapStoreError(errorSubjectRank, errorCodeDuplicate, err)
		}
		if err != nil {
			return rank.Rank{}, wrapStoreError(errorSubjectRank, errorCodeInsert, err)
		}
		value.ID = row.ID
		return value, nil
	}
	result := store.session(ctx).
		Model(&Rank{}).
		Where("id = ?", value.ID).
		Updates(map[string]any{
			"name":          value.Name,
			"min_deposit":   value.MinDeposit.Int64(),
			"bonus_percent": value.BonusPercent,
			"color":         value.Color,
			"icon":          value.Icon,
			"status":        string(value.Status),
			"sort_order":    value.SortOrder,
			"updated_at":    now,
		})
	if result.Error != nil {
		return rank.Rank{}, wrapStoreError(errorSubjectRank, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return rank.Rank{}, wrapStoreError(errorSubjectRank, errorCodeUpdate, rank.ErrRankNotFound)
	}
	return value, nil
}

func (store *Store) CollaboratorProfile(ctx context.Context, userID ledger.UserID) (rank.CollaboratorProfile, error) {
	var row UserProfile
	err := store.session(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rank.CollaboratorProfile{UserID: userID}, nil
	}
	if err != nil {
		return rank.CollaboratorProfile{}, wrapStoreError(errorSubjectProfile, errorCodeGet, err)
	}
	return rank.CollaboratorProfile{
		UserID:         userID,
		IsCollaborator: row.IsCollaborator,
		BonusPercent:   row.CollaboratorBonusPercent,
	}, nil
}

func (store *Store) SaveCollaboratorProfile(ctx context.Context, profile rank.CollaboratorProfile) error {
	row := UserProfile{
		UserID:                   profile.UserID.String(),
		IsCollaborator:           profile.IsCollaborator,
		CollaboratorBonusPercent: profile.BonusPercent,
		UpdatedAt:                time.Now().UTC(),
	}
	err := store.session(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_collaborator", "collaborator_bonus_percent", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectProfile, errorCodeSave, err)
	}
	return nil
}

// Lookup reads one settings row.
func (store *Store) Lookup(ctx context.Context, key string) (string, bool, error) {
	var row Setting
	err := store.session(ctx).Where("setting_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapStoreError(errorSubjectSetting, errorCodeLookup, err)
	}
	return row.Value, true, nil
}

// Set upserts one settings row.
func (store *Store) Set(ctx context.Context, key string, value string) error {
	normalized, err := settings.ValidateKey(key)
	if err != nil {
		return err
	}
	row := Setting{Key: normalized, Value: value, UpdatedAt: time.Now().UTC()}
	err = store.session(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "setting_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"setting_value", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectSetting, errorCodeSave, err)
	}
	return nil
}
