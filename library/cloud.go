package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chibistudio_back/assetstore"
	"chibistudio_back/recordstore"
)

const librariesPath = "libraries"

// CloudBackend keeps a shared expression collection in the record store,
// addressed by an opaque library key, with image payloads offloaded to the
// asset store. Every expression lives in exactly one of two namespaces, live
// or deleted; user-facing deletion only ever moves records between them.
type CloudBackend struct {
	key     string
	records recordstore.Store
	assets  assetstore.Store
}

// NewCloudBackend builds a backend for the collection named by key.
func NewCloudBackend(key string, records recordstore.Store, assets assetstore.Store) (*CloudBackend, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, errors.New("library: library key is required")
	}
	if records == nil || assets == nil {
		return nil, errors.New("library: record and asset stores are required")
	}
	return &CloudBackend{key: trimmed, records: records, assets: assets}, nil
}

// CreateLibraryKey mints a fresh opaque library key and stamps its creation
// time in the record store.
func CreateLibraryKey(ctx context.Context, records recordstore.Store) (string, error) {
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	createdAt, _ := json.Marshal(time.Now().UnixMilli())
	path := librariesPath + "/" + key + "/createdAt"
	if err := records.Set(ctx, path, createdAt); err != nil {
		return "", fmt.Errorf("library: create library key: %w", err)
	}
	return key, nil
}

func (b *CloudBackend) livePath() string {
	return librariesPath + "/" + b.key + "/expressions"
}

func (b *CloudBackend) deletedPath() string {
	return librariesPath + "/" + b.key + "/deleted_expressions"
}

func (b *CloudBackend) liveRecordPath(id string) string {
	return b.livePath() + "/" + id
}

func (b *CloudBackend) deletedRecordPath(id string) string {
	return b.deletedPath() + "/" + id
}

func (b *CloudBackend) liveAssetPath(id string) string {
	return fmt.Sprintf("expressions/%s/%s.png", b.key, id)
}

func (b *CloudBackend) deletedAssetPath(id string) string {
	return fmt.Sprintf("deleted_expressions/%s/%s.png", b.key, id)
}

// List implements Backend.
func (b *CloudBackend) List(ctx context.Context) ([]Expression, error) {
	children, err := b.records.List(ctx, b.livePath())
	if err != nil {
		return nil, fmt.Errorf("library: list expressions: %w", err)
	}

	expressions := make([]Expression, 0, len(children))
	for id, raw := range children {
		var exp Expression
		if err := json.Unmarshal(raw, &exp); err != nil {
			log.Printf("library: skipping malformed record %s: %v", id, err)
			continue
		}
		expressions = append(expressions, exp)
	}
	return expressions, nil
}

// ListDeleted returns the archived records. Admin surface only.
func (b *CloudBackend) ListDeleted(ctx context.Context) ([]Expression, error) {
	children, err := b.records.List(ctx, b.deletedPath())
	if err != nil {
		return nil, fmt.Errorf("library: list deleted expressions: %w", err)
	}

	expressions := make([]Expression, 0, len(children))
	for id, raw := range children {
		var exp Expression
		if err := json.Unmarshal(raw, &exp); err != nil {
			log.Printf("library: skipping malformed deleted record %s: %v", id, err)
			continue
		}
		expressions = append(expressions, exp)
	}
	return expressions, nil
}

// Add implements Backend: the image payload is uploaded first, and the record
// is written only once the asset store has handed back a durable URL. An
// upload failure therefore leaves no partial record behind.
func (b *CloudBackend) Add(ctx context.Context, exp Expression) (Expression, error) {
	if !assetstore.IsDataURI(exp.Image) {
		return Expression{}, ErrBadImage
	}
	data, mimeType, err := assetstore.ParseDataURI(exp.Image)
	if err != nil {
		return Expression{}, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	storagePath := b.liveAssetPath(exp.ID)
	imageURL, err := b.assets.Upload(ctx, storagePath, data, mimeType)
	if err != nil {
		return Expression{}, fmt.Errorf("library: upload expression asset: %w", err)
	}

	exp.Image = imageURL
	exp.StoragePath = storagePath
	if exp.CreatedAt == 0 {
		exp.CreatedAt = time.Now().UnixMilli()
	}

	raw, err := json.Marshal(exp)
	if err != nil {
		return Expression{}, fmt.Errorf("library: encode expression: %w", err)
	}
	if err := b.records.Set(ctx, b.liveRecordPath(exp.ID), raw); err != nil {
		return Expression{}, fmt.Errorf("library: write expression record: %w", err)
	}
	return exp, nil
}

// Update implements Backend. The mutable fields (name, favorite flag) are
// merged over the stored record so storagePath and createdAt survive every
// update; losing the storagePath would strand the asset outside the archival
// move. A data-URI image replaces the asset in place at the existing storage
// path, keeping record and object paired.
func (b *CloudBackend) Update(ctx context.Context, exp Expression) error {
	raw, err := b.records.Get(ctx, b.liveRecordPath(exp.ID))
	if err != nil {
		return fmt.Errorf("library: read expression for update: %w", err)
	}

	var current Expression
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("library: decode expression %s: %w", exp.ID, err)
	}

	current.Name = exp.Name
	current.IsFavorite = exp.IsFavorite
	if assetstore.IsDataURI(exp.Image) {
		data, mimeType, err := assetstore.ParseDataURI(exp.Image)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadImage, err)
		}
		if current.StoragePath == "" {
			current.StoragePath = b.liveAssetPath(current.ID)
		}
		imageURL, err := b.assets.Upload(ctx, current.StoragePath, data, mimeType)
		if err != nil {
			return fmt.Errorf("library: upload updated expression asset: %w", err)
		}
		current.Image = imageURL
	}

	updated, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("library: encode expression: %w", err)
	}
	if err := b.records.Set(ctx, b.liveRecordPath(current.ID), updated); err != nil {
		return fmt.Errorf("library: update expression record: %w", err)
	}
	return nil
}

// relocateAsset moves the expression's backing asset into the deleted
// namespace: upload the bytes at the new path first, then remove the old
// object. It returns the expression pointing at the relocated asset, or, when
// any step fails, the unmodified expression plus the failure as a warning.
// The record archival proceeds either way; an orphaned asset is an accepted
// degradation here, never a reason to block the user-facing delete.
func (b *CloudBackend) relocateAsset(ctx context.Context, exp Expression) (Expression, error) {
	if exp.StoragePath == "" {
		return exp, nil
	}

	data, err := b.assets.Download(ctx, exp.StoragePath)
	if err != nil {
		return exp, fmt.Errorf("download %s: %w", exp.StoragePath, err)
	}

	newPath := b.deletedAssetPath(exp.ID)
	newURL, err := b.assets.Upload(ctx, newPath, data, "image/png")
	if err != nil {
		return exp, fmt.Errorf("upload %s: %w", newPath, err)
	}

	if err := b.assets.Delete(ctx, exp.StoragePath); err != nil {
		return exp, fmt.Errorf("delete %s: %w", exp.StoragePath, err)
	}

	exp.Image = newURL
	exp.StoragePath = newPath
	return exp, nil
}

// Delete implements Backend: the live-to-deleted transition. Reading an
// absent record is a no-op (already deleted, or never existed). The record
// move itself is a single atomic multi-path update, so no intermediate state
// with the expression in both namespaces or neither is ever observable.
func (b *CloudBackend) Delete(ctx context.Context, id string) error {
	raw, err := b.records.Get(ctx, b.liveRecordPath(id))
	if err != nil {
		if errors.Is(err, recordstore.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("library: read expression for archival: %w", err)
	}

	var exp Expression
	if err := json.Unmarshal(raw, &exp); err != nil {
		return fmt.Errorf("library: decode expression %s: %w", id, err)
	}

	relocated, warn := b.relocateAsset(ctx, exp)
	if warn != nil {
		log.Printf("library: asset relocation for %s failed, archiving record with original locator: %v", id, warn)
	}
	relocated.DeletedAt = time.Now().UnixMilli()

	archived, err := json.Marshal(relocated)
	if err != nil {
		return fmt.Errorf("library: encode archived expression: %w", err)
	}

	changes := map[string]json.RawMessage{
		b.liveRecordPath(id):    nil,
		b.deletedRecordPath(id): archived,
	}
	if err := b.records.Update(ctx, changes); err != nil {
		return fmt.Errorf("library: archive expression %s: %w", id, err)
	}
	return nil
}

// Clear implements Backend: every live expression is archived in one atomic
// multi-path update. Asset relocations run independently beforehand and
// tolerate per-item failure, so one stubborn object never blocks the rest of
// the collection from being archived.
func (b *CloudBackend) Clear(ctx context.Context) error {
	children, err := b.records.List(ctx, b.livePath())
	if err != nil {
		return fmt.Errorf("library: list expressions for clear: %w", err)
	}
	if len(children) == 0 {
		return nil
	}

	expressions := make([]Expression, 0, len(children))
	for id, raw := range children {
		var exp Expression
		if err := json.Unmarshal(raw, &exp); err != nil {
			log.Printf("library: skipping malformed record %s during clear: %v", id, err)
			continue
		}
		expressions = append(expressions, exp)
	}

	relocated := make([]Expression, len(expressions))
	var wg sync.WaitGroup
	for i, exp := range expressions {
		wg.Add(1)
		go func(i int, exp Expression) {
			defer wg.Done()
			moved, warn := b.relocateAsset(ctx, exp)
			if warn != nil {
				log.Printf("library: asset relocation for %s failed during clear: %v", exp.ID, warn)
			}
			relocated[i] = moved
		}(i, exp)
	}
	wg.Wait()

	now := time.Now().UnixMilli()
	changes := make(map[string]json.RawMessage, 2*len(relocated))
	for _, exp := range relocated {
		exp.DeletedAt = now
		archived, err := json.Marshal(exp)
		if err != nil {
			return fmt.Errorf("library: encode archived expression %s: %w", exp.ID, err)
		}
		changes[b.liveRecordPath(exp.ID)] = nil
		changes[b.deletedRecordPath(exp.ID)] = archived
	}
	if err := b.records.Update(ctx, changes); err != nil {
		return fmt.Errorf("library: clear library: %w", err)
	}
	return nil
}

// Watch implements Backend. Inbound store notifications are the source of
// truth for the collection: each one triggers a fresh read, so writes by
// other clients holding the same key (and our own, once they round-trip) are
// all reflected the same way.
func (b *CloudBackend) Watch(onChange func([]Expression), onErr func(error)) (func(), error) {
	if onChange == nil {
		return nil, errors.New("library: onChange callback is required")
	}

	emit := func() {
		expressions, err := b.List(context.Background())
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		onChange(expressions)
	}

	unsubscribe, err := b.records.Subscribe(b.livePath(), emit, func(err error) {
		if onErr != nil {
			onErr(fmt.Errorf("library: watch subscription: %w", err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("library: subscribe to library %s: %w", b.key, err)
	}

	emit()
	return unsubscribe, nil
}
