package usecase

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"keysync-service/internal/domain"
	"keysync-service/internal/infra"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	Apply(ctx context.Context, m *domain.Migration, statements []string, at time.Time) error
}

// MigrationService はスキーママイグレーションの適用を提供する。
type MigrationService struct {
	repo  MigrationRepository
	files fs.FS
	clock infra.Clock
}

// NewMigrationService は新しいMigrationServiceを生成する。
// files の直下にある {version}_{name}.sql を対象にする。
func NewMigrationService(repo MigrationRepository, files fs.FS, clock infra.Clock) *MigrationService {
	return &MigrationService{
		repo:  repo,
		files: files,
		clock: clock,
	}
}

type migrationFile struct {
	migration  *domain.Migration
	statements []string
}

// scan は files からマイグレーションを読み込み、バージョン順に返す。
func (s *MigrationService) scan() ([]*migrationFile, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var out []*migrationFile
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", domain.ErrInvalidMigrationFile, version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		body, err := fs.ReadFile(s.files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		sum := blake3.Sum256(body)
		out = append(out, &migrationFile{
			migration: &domain.Migration{
				Version:  version,
				Name:     name,
				Checksum: hex.EncodeToString(sum[:]),
				Status:   domain.MigrationStatusPending,
			},
			statements: splitStatements(string(body)),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].migration.Version < out[j].migration.Version
	})
	return out, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_principals.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" || len(parts[0]) > 14 {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return parts[0], parts[1], nil
}

// splitStatements はSQLファイルを文単位に分割する。MySQLドライバは既定で複文を受け付けない。
// "--" で始まる行コメントは取り除く。文字列リテラル中の ';' は扱わない。
func splitStatements(body string) []string {
	var b strings.Builder
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var stmts []string
	for _, part := range strings.Split(b.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用数を返す。
// 適用済みファイルの内容が変わっていれば何も適用せずに失敗する。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	files, err := s.scan()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrMigrationFailed, err)
	}
	applied, err := s.appliedByVersion(ctx)
	if err != nil {
		return 0, err
	}

	var pending []*migrationFile
	for _, f := range files {
		prev, ok := applied[f.migration.Version]
		if !ok {
			pending = append(pending, f)
			continue
		}
		if prev.Checksum != "" && prev.Checksum != f.migration.Checksum {
			return 0, fmt.Errorf("%w: version %s was modified after being applied", domain.ErrMigrationFailed, f.migration.Version)
		}
	}

	count := 0
	for _, f := range pending {
		if err := s.repo.Apply(ctx, f.migration, f.statements, s.clock.Now()); err != nil {
			return count, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, f.migration.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"version", f.migration.Version,
			"name", f.migration.Name,
		)
		count++
	}
	return count, nil
}

// GetMigrationStatus は全マイグレーションの状態を返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	files, err := s.scan()
	if err != nil {
		return nil, err
	}
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := s.appliedByVersion(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Migration, len(files))
	for i, f := range files {
		m := f.migration
		if prev, ok := applied[m.Version]; ok {
			m.AppliedAt = prev.AppliedAt
			m.Status = domain.MigrationStatusApplied
			if prev.Checksum != "" && prev.Checksum != m.Checksum {
				m.Status = domain.MigrationStatusModified
			}
		}
		out[i] = m
	}
	return out, nil
}

func (s *MigrationService) appliedByVersion(ctx context.Context) (map[string]*domain.Migration, error) {
	list, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching applied migrations: %w", err)
	}
	applied := make(map[string]*domain.Migration, len(list))
	for _, m := range list {
		applied[m.Version] = m
	}
	return applied, nil
}
