package webui

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	// decoders registered with image.Decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	errMissingImage    = errors.New("image is required")
	errMissingPrompt   = errors.New("prompt is required")
	errUnsupportedType = errors.New("unsupported file type")
)

// upload is one parsed analysis form.
type upload struct {
	Prompt            string
	PatientID         string
	Symptoms          string
	PreviousDiagnosis string
	Filename          string
	Data              []byte
}

// parseUpload reads the multipart form. The returned status is the HTTP
// code for the JSON API when err is non-nil.
func parseUpload(w http.ResponseWriter, r *http.Request, allowed []string) (upload, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return upload{}, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", maxBodyBytes)
		}
		return upload{}, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err)
	}
	up := upload{
		Prompt:            r.FormValue("prompt"),
		PatientID:         strings.TrimSpace(r.FormValue("patient_id")),
		Symptoms:          r.FormValue("symptoms"),
		PreviousDiagnosis: r.FormValue("previous_diagnosis"),
	}
	f, hdr, err := r.FormFile("image")
	if err != nil {
		return up, http.StatusBadRequest, errMissingImage
	}
	defer f.Close()
	up.Filename = filepath.Base(hdr.Filename)
	if strings.TrimSpace(up.Prompt) == "" {
		return up, http.StatusBadRequest, errMissingPrompt
	}
	if !extensionAllowed(up.Filename, allowed) {
		return up, http.StatusUnsupportedMediaType, fmt.Errorf("%w: %s", errUnsupportedType, filepath.Ext(up.Filename))
	}
	if up.Data, err = io.ReadAll(f); err != nil {
		return up, http.StatusBadRequest, fmt.Errorf("read upload: %w", err)
	}
	if len(up.Data) == 0 {
		return up, http.StatusBadRequest, errMissingImage
	}
	return up, 0, nil
}

func extensionAllowed(name string, allowed []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return false
	}
	for _, a := range allowed {
		if strings.TrimPrefix(strings.ToLower(a), ".") == ext {
			return true
		}
	}
	return false
}

// decodeImage decodes any registered raster format. DICOM is not among them.
func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}
