package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateObject is returned when a file row for the object name already exists.
	ErrDuplicateObject = errors.New("duplicate object name")
	// ErrDuplicateUser is returned when the username is taken.
	ErrDuplicateUser = errors.New("duplicate username")
)

const (
	UploadTypeStream    = "stream"
	UploadTypeDirect    = "direct"
	UploadTypeMultipart = "multipart"
)

const (
	StatusActive       = "active"
	StatusExpired      = "expired"
	StatusLimitReached = "limit_reached"
)

// FileRecord is one row of the files table.
type FileRecord struct {
	ID               uuid.UUID  `json:"id"`
	OriginalFilename string     `json:"original_filename"`
	ObjectName       string     `json:"object_name"`
	PINHash          string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiryDate       time.Time  `json:"expiry_date"`
	MaxDownloads     int        `json:"max_downloads"`
	DownloadCount    int        `json:"download_count"`
	SizeBytes        *int64     `json:"size_bytes"`
	UploadType       string     `json:"upload_type"`
	UploadedBy       *uuid.UUID `json:"uploaded_by,omitempty"`
}

// Status derives the availability of the file at now.
func (f FileRecord) Status(now time.Time) string {
	switch {
	case !f.ExpiryDate.After(now):
		return StatusExpired
	case f.DownloadCount >= f.MaxDownloads:
		return StatusLimitReached
	default:
		return StatusActive
	}
}

// ShareInfo joins a share token with its file.
type ShareInfo struct {
	Token string
	File  FileRecord
}

// User is an admin panel account.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	IsAdmin      bool       `json:"is_admin"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	FileCount    int        `json:"file_count"`
}

// FileRepository persists file metadata and share links.
type FileRepository interface {
	CreateFile(ctx context.Context, f FileRecord, token string) error
	FileByToken(ctx context.Context, token string) (ShareInfo, error)
	FileByID(ctx context.Context, id uuid.UUID) (FileRecord, error)
	// IncrementDownload bumps download_count only while the file is still
	// available at now. It reports whether a row was updated.
	IncrementDownload(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	DeleteFile(ctx context.Context, id uuid.UUID) error
	ListFiles(ctx context.Context, limit, offset int) ([]ShareInfo, error)
	ListExhausted(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	ObjectNames(ctx context.Context) (map[string]struct{}, error)
}

// UserRepository persists admin panel accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (User, error)
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id uuid.UUID) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Repository is everything the server needs from the database.
type Repository interface {
	FileRepository
	UserRepository
	Ping(ctx context.Context) error
}

// PGRepository implements Repository on PostgreSQL.
type PGRepository struct {
	db *sql.DB
}

var _ Repository = (*PGRepository)(nil)

func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
	}
	return false
}

func (r *PGRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PGRepository) CreateFile(ctx context.Context, f FileRecord, token string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (id, original_filename, object_name, pin_hash, created_at,
		                   expiry_date, max_downloads, download_count, size_bytes,
		                   upload_type, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)`,
		f.ID, f.OriginalFilename, f.ObjectName, f.PINHash, f.CreatedAt,
		f.ExpiryDate, f.MaxDownloads, f.SizeBytes, f.UploadType, f.UploadedBy,
	)
	if err != nil {
		if isUniqueViolation(err, "files_object_name_key") {
			return ErrDuplicateObject
		}
		return fmt.Errorf("insert file: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO share_links (token, file_id) VALUES ($1, $2)`, token, f.ID,
	); err != nil {
		return fmt.Errorf("insert share link: %w", err)
	}

	return tx.Commit()
}

const fileColumns = `f.id, f.original_filename, f.object_name, f.pin_hash, f.created_at,
	f.expiry_date, f.max_downloads, f.download_count, f.size_bytes, f.upload_type, f.uploaded_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner, extra ...any) (FileRecord, error) {
	var (
		f    FileRecord
		size sql.NullInt64
		by   uuid.NullUUID
	)
	dest := []any{&f.ID, &f.OriginalFilename, &f.ObjectName, &f.PINHash, &f.CreatedAt,
		&f.ExpiryDate, &f.MaxDownloads, &f.DownloadCount, &size, &f.UploadType, &by}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return FileRecord{}, err
	}
	if size.Valid {
		f.SizeBytes = &size.Int64
	}
	if by.Valid {
		f.UploadedBy = &by.UUID
	}
	return f, nil
}

func (r *PGRepository) FileByToken(ctx context.Context, token string) (ShareInfo, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+`
		FROM share_links s JOIN files f ON f.id = s.file_id
		WHERE s.token = $1`, token)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ShareInfo{}, ErrNotFound
		}
		return ShareInfo{}, fmt.Errorf("file by token: %w", err)
	}
	return ShareInfo{Token: token, File: f}, nil
}

func (r *PGRepository) FileByID(ctx context.Context, id uuid.UUID) (FileRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files f WHERE f.id = $1`, id)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FileRecord{}, ErrNotFound
		}
		return FileRecord{}, fmt.Errorf("file by id: %w", err)
	}
	return f, nil
}

func (r *PGRepository) IncrementDownload(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE files SET download_count = download_count + 1
		WHERE id = $1 AND download_count < max_downloads AND expiry_date > $2`, id, now)
	if err != nil {
		return false, fmt.Errorf("increment download: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PGRepository) DeleteFile(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) ListFiles(ctx context.Context, limit, offset int) ([]ShareInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+fileColumns+`, COALESCE(s.token, '')
		FROM files f LEFT JOIN share_links s ON s.file_id = f.id
		ORDER BY f.created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	out := make([]ShareInfo, 0, limit)
	for rows.Next() {
		var token string
		f, err := scanFile(rows, &token)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, ShareInfo{Token: token, File: f})
	}
	return out, rows.Err()
}

func (r *PGRepository) ListExhausted(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM files
		WHERE expiry_date < $1 OR download_count >= max_downloads
		ORDER BY expiry_date ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list exhausted: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PGRepository) ObjectNames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT object_name FROM files`)
	if err != nil {
		return nil, fmt.Errorf("object names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names[n] = struct{}{}
	}
	return names, rows.Err()
}

func (r *PGRepository) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) (User, error) {
	u := User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		IsActive:     true,
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, username, password_hash, is_admin, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING created_at`, u.ID, u.Username, u.PasswordHash, u.IsAdmin,
	).Scan(&u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "users_username_key") {
			return User{}, ErrDuplicateUser
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

const userColumns = `id, username, password_hash, is_admin, is_active, created_at, last_login_at`

func scanUser(row rowScanner, extra ...any) (User, error) {
	var (
		u    User
		last sql.NullTime
	)
	dest := []any{&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.IsActive, &u.CreatedAt, &last}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return User{}, err
	}
	if last.Valid {
		u.LastLoginAt = &last.Time
	}
	return u, nil
}

func (r *PGRepository) UserByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("user by username: %w", err)
	}
	return u, nil
}

func (r *PGRepository) UserByID(ctx context.Context, id uuid.UUID) (User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("user by id: %w", err)
	}
	return u, nil
}

func (r *PGRepository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.username, u.password_hash, u.is_admin, u.is_active, u.created_at,
		       u.last_login_at, COUNT(f.id)
		FROM users u LEFT JOIN files f ON f.uploaded_by = u.id
		GROUP BY u.id
		ORDER BY u.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var count int
		u, err := scanUser(rows, &count)
		if err != nil {
			return nil, err
		}
		u.FileCount = count
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PGRepository) TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	return err
}
