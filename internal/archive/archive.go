// Package archive moves finished executions out of the hot store into
// compressed bundles on object storage, keeping the executions table
// small enough for the scheduler's and API's queries.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/pkg/config"
	"github.com/waveflow-go/pkg/database"
	"github.com/waveflow-go/pkg/logger"
	"github.com/waveflow-go/pkg/resilience"
)

// ErrNotArchived reports that no bundle for the day holds the execution.
var ErrNotArchived = errors.New("execution not found in archive")

const defaultBatchSize = 1000

// Bundle is one day's worth of archived executions, stored as a single
// gzipped JSON object.
type Bundle struct {
	ID         string               `json:"id"`
	Date       string               `json:"date"`
	Count      int                  `json:"count"`
	Executions []workflow.Execution `json:"executions"`
	CreatedAt  time.Time            `json:"createdAt"`
}

// Record tracks one uploaded bundle so restores and cleanup can find it
// without listing the bucket.
type Record struct {
	ID             string    `gorm:"primaryKey"`
	Date           string    `gorm:"not null;index"`
	ExecutionCount int       `gorm:"not null"`
	OriginalSize   int64     `gorm:"not null"`
	CompressedSize int64     `gorm:"not null"`
	StorageKey     string    `gorm:"not null;unique"`
	CreatedAt      time.Time `gorm:"not null;index"`
}

func (Record) TableName() string { return "archive_records" }

// Stats summarizes what has been archived.
type Stats struct {
	Bundles         int64 `json:"bundles"`
	Executions      int64 `json:"executions"`
	OriginalBytes   int64 `json:"originalBytes"`
	CompressedBytes int64 `json:"compressedBytes"`
}

// Archiver drains terminal executions past the retention window into
// storage and deletes them from the database afterwards.
type Archiver struct {
	db          *database.DB
	storage     Storage
	retention   time.Duration
	batchSize   int
	uploadRetry resilience.RetryConfig
	logger      logger.Logger
}

func New(cfg *config.ArchiveConfig, db *database.DB, storage Storage, log logger.Logger) *Archiver {
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Archiver{
		db:          db,
		storage:     storage,
		retention:   time.Duration(retentionDays) * 24 * time.Hour,
		batchSize:   defaultBatchSize,
		uploadRetry: resilience.DefaultRetryConfig(),
		logger:      log.With("component", "archive"),
	}
}

// Run archives everything that finished before the retention cutoff and
// returns how many executions moved.
func (a *Archiver) Run(ctx context.Context) (int, error) {
	return a.ArchiveFinished(ctx, time.Now().Add(-a.retention))
}

// ArchiveFinished bundles terminal executions finished before the given
// time. Each batch is re-queried from the top because archived rows are
// deleted as they go.
func (a *Archiver) ArchiveFinished(ctx context.Context, before time.Time) (int, error) {
	terminal := []workflow.Status{workflow.StatusCompleted, workflow.StatusFailed, workflow.StatusCancelled}
	archived := 0

	for {
		var executions []workflow.Execution
		err := a.db.WithContext(ctx).
			Where("status IN ?", terminal).
			Where("finished_at < ?", before).
			Order("finished_at ASC").
			Limit(a.batchSize).
			Preload("NodeExecutions").
			Find(&executions).Error
		if err != nil {
			return archived, fmt.Errorf("querying archivable executions: %w", err)
		}
		if len(executions) == 0 {
			return archived, nil
		}

		if err := a.archiveBatch(ctx, executions); err != nil {
			return archived, err
		}
		if err := a.deleteArchived(ctx, executions); err != nil {
			return archived, err
		}
		archived += len(executions)
	}
}

func (a *Archiver) archiveBatch(ctx context.Context, executions []workflow.Execution) error {
	byDate := make(map[string][]workflow.Execution)
	for _, execution := range executions {
		date := execution.CreatedAt.Format("2006-01-02")
		if execution.FinishedAt != nil {
			date = execution.FinishedAt.Format("2006-01-02")
		}
		byDate[date] = append(byDate[date], execution)
	}

	for date, group := range byDate {
		bundle := &Bundle{
			ID:         uuid.New().String(),
			Date:       date,
			Count:      len(group),
			Executions: group,
			CreatedAt:  time.Now(),
		}

		data, err := json.Marshal(bundle)
		if err != nil {
			return fmt.Errorf("encoding bundle: %w", err)
		}
		compressed, err := gzipCompress(data)
		if err != nil {
			return fmt.Errorf("compressing bundle: %w", err)
		}

		key := fmt.Sprintf("archive/executions/%s/%s.gz", date, bundle.ID)
		err = resilience.Retry(ctx, a.uploadRetry, func() error {
			return a.storage.Upload(ctx, key, compressed)
		})
		if err != nil {
			return fmt.Errorf("uploading bundle: %w", err)
		}

		record := &Record{
			ID:             bundle.ID,
			Date:           date,
			ExecutionCount: bundle.Count,
			OriginalSize:   int64(len(data)),
			CompressedSize: int64(len(compressed)),
			StorageKey:     key,
			CreatedAt:      time.Now(),
		}
		if err := a.db.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("recording bundle: %w", err)
		}

		a.logger.Info("Archived executions",
			"date", date, "count", bundle.Count,
			"original_bytes", record.OriginalSize,
			"compressed_bytes", record.CompressedSize)
	}
	return nil
}

func (a *Archiver) deleteArchived(ctx context.Context, executions []workflow.Execution) error {
	ids := make([]string, len(executions))
	for i, execution := range executions {
		ids[i] = execution.ID
	}

	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("execution_id IN ?", ids).Delete(&workflow.NodeExecution{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&workflow.Execution{}).Error
	})
}

// Restore pulls one execution back out of the archive. The caller names
// the day it finished; every bundle for that day is searched.
func (a *Archiver) Restore(ctx context.Context, executionID, date string) (*workflow.Execution, error) {
	var records []Record
	err := a.db.WithContext(ctx).
		Where("date = ?", date).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("listing bundles for %s: %w", date, err)
	}

	for _, record := range records {
		compressed, err := a.storage.Download(ctx, record.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("downloading bundle %s: %w", record.StorageKey, err)
		}
		data, err := gzipDecompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("decompressing bundle %s: %w", record.StorageKey, err)
		}

		var bundle Bundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("decoding bundle %s: %w", record.StorageKey, err)
		}
		for i := range bundle.Executions {
			if bundle.Executions[i].ID == executionID {
				return &bundle.Executions[i], nil
			}
		}
	}
	return nil, ErrNotArchived
}

// CleanupExpired drops bundles kept past twice the retention window.
// Storage and record deletions are best-effort; a failed delete is
// retried on the next cleanup pass.
func (a *Archiver) CleanupExpired(ctx context.Context) error {
	cutoff := time.Now().Add(-2 * a.retention)

	var expired []Record
	err := a.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Find(&expired).Error
	if err != nil {
		return err
	}

	for _, record := range expired {
		if err := a.storage.Delete(ctx, record.StorageKey); err != nil {
			a.logger.Warn("Failed to delete expired bundle from storage",
				"key", record.StorageKey, "error", err)
			continue
		}
		if err := a.db.WithContext(ctx).Delete(&Record{}, "id = ?", record.ID).Error; err != nil {
			a.logger.Warn("Failed to delete bundle record",
				"bundle_id", record.ID, "error", err)
		}
	}
	return nil
}

func (a *Archiver) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	db := a.db.WithContext(ctx)

	if err := db.Model(&Record{}).Count(&stats.Bundles).Error; err != nil {
		return nil, err
	}
	if stats.Bundles == 0 {
		return stats, nil
	}

	row := db.Model(&Record{}).
		Select("SUM(execution_count), SUM(original_size), SUM(compressed_size)").
		Row()
	if err := row.Scan(&stats.Executions, &stats.OriginalBytes, &stats.CompressedBytes); err != nil {
		return nil, err
	}
	return stats, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
