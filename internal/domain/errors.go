package domain

import "errors"

var (
	// ErrDerivation は鍵導出の入力が不正な場合のエラー（秘密長の不一致、未登録クラスなど）。
	// 呼び出し側のバグを表すためリトライしない。
	ErrDerivation = errors.New("key derivation failed")

	// ErrAccessDenied は有効なグラントが存在しない場合のエラー。
	// 利用者には「アクセス権が変更された」として提示する。
	ErrAccessDenied = errors.New("access denied")

	// ErrNotFound は参照先が存在しない場合のエラー。
	ErrNotFound = errors.New("not found")

	// ErrNoKey はリソースクラスが未初期化で現行バージョンが存在しない場合のエラー。
	ErrNoKey = errors.New("no key for resource class")

	// ErrClassAlreadyInitialized はリソースクラスが既に初期化済みの場合のエラー。
	ErrClassAlreadyInitialized = errors.New("resource class already initialized")

	// ErrRotationInProgress は同一クラスのローテーションが実行中の場合のエラー。
	// リース失効後に再試行する。
	ErrRotationInProgress = errors.New("rotation in progress")

	// ErrRotationNotAbortable は OldGrantsRevoked 以降のローテーションを中断しようとした場合のエラー。
	ErrRotationNotAbortable = errors.New("rotation can no longer be aborted")

	// ErrRotationAborted はローテーションが管理者により中断された場合のエラー。
	ErrRotationAborted = errors.New("rotation aborted")

	// ErrNoEligiblePrincipals は新バージョンを受け取れるプリンシパルが存在しない場合のエラー。
	ErrNoEligiblePrincipals = errors.New("no eligible principals")

	// ErrChainBroken は監査ログのハッシュチェーンが壊れている場合のエラー。
	// 運用者が介入するまで書き込みを停止する。
	ErrChainBroken = errors.New("audit chain broken")

	// ErrStaleKeyVersion はエンベロープの鍵バージョンに有効なグラントがない場合のエラー。
	ErrStaleKeyVersion = errors.New("stale key version")

	// ErrDuplicate は (originDeviceId, deviceSeq) が既に受理済みの場合のエラー。
	ErrDuplicate = errors.New("duplicate envelope")

	// ErrInvariantViolation は論理的に起こり得ない状態を検出した場合のエラー。常に致命的。
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrPrincipalRemoved は削除済み（tombstone）のプリンシパルを操作しようとした場合のエラー。
	ErrPrincipalRemoved = errors.New("principal removed")

	// ErrPrincipalAlreadyExists は同じIDのプリンシパルが既に登録済みの場合のエラー。
	ErrPrincipalAlreadyExists = errors.New("principal already exists")

	// ErrInvalidPrincipalID はプリンシパルIDの形式が不正な場合のエラー。
	ErrInvalidPrincipalID = errors.New("invalid principal ID")

	// ErrInvalidResourceClass はリソースクラスの形式が不正な場合のエラー。
	ErrInvalidResourceClass = errors.New("invalid resource class")

	// ErrInvalidVersion はバージョン番号が不正な場合のエラー。
	ErrInvalidVersion = errors.New("invalid version")

	// ErrInvalidRole はロールまたはスコープが不正な場合のエラー。
	ErrInvalidRole = errors.New("invalid role")

	// ErrInvalidEnvelope はエンベロープの必須項目が欠けている場合のエラー。
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
