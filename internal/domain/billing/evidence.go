package billing

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/clinic/clinic/internal/platform/blobstore"
)

const maxNameLen = 120

// objectKey namespaces a file under its record: billing/<id>/<uuid>-<name>.
func objectKey(prefix, name string) string {
	return prefix + uuid.NewString() + "-" + sanitizeName(name)
}

func recordPrefix(billingID int64) string {
	return "billing/" + strconv.FormatInt(billingID, 10) + "/"
}

// sanitizeName keeps the base name of an uploaded file with everything but
// letters, digits, dots, dashes and underscores replaced.
func sanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	clean := strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	clean = strings.TrimLeft(clean, ".")
	if clean == "" {
		clean = "file"
	}
	if len(clean) > maxNameLen {
		clean = clean[len(clean)-maxNameLen:]
	}
	return clean
}

// attachEvidence uploads files under the record's prefix and persists one
// row per object. A short upload set or a failed insert removes every object
// this call stored before returning the error.
func (s *Service) attachEvidence(ctx context.Context, billingID int64, files []blobstore.File) ([]EvidenceFile, error) {
	uploaded, err := s.uploadEvidence(ctx, billingID, files)
	if err != nil {
		return nil, err
	}
	rows, err := s.persistEvidence(ctx, billingID, uploaded)
	if err != nil {
		s.compensate(ctx, billingID, uploaded)
		return nil, err
	}
	return rows, nil
}

// uploadEvidence stores every file or none of them.
func (s *Service) uploadEvidence(ctx context.Context, billingID int64, files []blobstore.File) ([]blobstore.Uploaded, error) {
	if len(files) == 0 {
		return nil, nil
	}
	uploaded, uploadErr := blobstore.UploadMany(ctx, s.store, recordPrefix(billingID), files, s.uploadConcurrency, objectKey)
	if len(uploaded) != len(files) {
		s.compensate(ctx, billingID, uploaded)
		return nil, fmt.Errorf("%w: %d of %d files stored: %w", ErrUploadFailed, len(uploaded), len(files), uploadErr)
	}
	return uploaded, nil
}

// persistEvidence writes one row per uploaded object. It does not remove
// objects on failure; the caller owns them.
func (s *Service) persistEvidence(ctx context.Context, billingID int64, uploaded []blobstore.Uploaded) ([]EvidenceFile, error) {
	if len(uploaded) == 0 {
		return nil, nil
	}
	rows, err := s.repo.InsertFiles(ctx, billingID, uploaded)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(uploaded) {
		return nil, fmt.Errorf("%w: stored %d evidence rows for %d objects", ErrPersistence, len(rows), len(uploaded))
	}
	return rows, nil
}

// compensate removes objects whose rows will never exist. Failures are
// logged and dropped.
func (s *Service) compensate(ctx context.Context, billingID int64, uploaded []blobstore.Uploaded) {
	if len(uploaded) == 0 {
		return
	}
	keys := make([]string, len(uploaded))
	for i, u := range uploaded {
		keys[i] = u.Key
	}
	s.deleteBlobs(ctx, billingID, keys, "compensation")
}

func (s *Service) deleteBlobs(ctx context.Context, billingID int64, keys []string, reason string) {
	if len(keys) == 0 {
		return
	}
	err := blobstore.DeleteMany(context.WithoutCancel(ctx), s.store, keys)
	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Int64("billing_id", billingID).
		Int("objects", len(keys)).
		Str("reason", reason).
		Msg("evidence objects removed")
}

// saga remembers the objects persisted inside a transaction so they can be
// removed if the transaction does not commit.
type saga struct {
	billingID int64
	keys      []string
}

func (sg *saga) track(billingID int64, files []EvidenceFile) {
	sg.billingID = billingID
	for _, f := range files {
		sg.keys = append(sg.keys, f.StorageKey)
	}
}

func (s *Service) unwind(ctx context.Context, sg *saga) {
	s.deleteBlobs(ctx, sg.billingID, sg.keys, "rollback")
}
