// Package archive keeps an append-only copy of every job's input and output
// images for auditing. Nothing in the service reads these files back.
package archive

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"virtualfit/pkg/job"
)

// Archive writes job artifacts to working storage
type Archive struct {
	fs           afero.Fs
	uploadDir    string
	processedDir string
}

// New creates an archive rooted at the two directories, creating them if needed.
func New(fs afero.Fs, uploadDir, processedDir string) (*Archive, error) {
	for _, dir := range []string{uploadDir, processedDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", dir, err)
		}
	}
	return &Archive{fs: fs, uploadDir: uploadDir, processedDir: processedDir}, nil
}

// SaveInputs stores the subject and reference images of a job.
func (a *Archive) SaveInputs(jobID string, in job.Input) (subjectPath, referencePath string, err error) {
	subjectPath = filepath.Join(a.uploadDir, fmt.Sprintf("%s_user_photo%s", jobID, job.NormalizeExt(in.Subject.Ext)))
	if err := a.write(subjectPath, in.Subject.Data); err != nil {
		return "", "", err
	}

	referencePath = filepath.Join(a.uploadDir, fmt.Sprintf("%s_product_image%s", jobID, job.NormalizeExt(in.Reference.Ext)))
	if err := a.write(referencePath, in.Reference.Data); err != nil {
		return "", "", err
	}
	return subjectPath, referencePath, nil
}

// SaveResult stores the final image produced for a job.
func (a *Archive) SaveResult(jobID string, data []byte, ext string) (string, error) {
	path := filepath.Join(a.processedDir, fmt.Sprintf("%s_result%s", jobID, job.NormalizeExt(ext)))
	if err := a.write(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// write refuses to replace an existing artifact.
func (a *Archive) write(path string, data []byte) error {
	f, err := a.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write artifact %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close artifact %s: %w", path, err)
	}
	return nil
}
