package webui

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"medlens/internal/common/fsutil"
	"medlens/internal/device"
	"medlens/internal/history"
	"medlens/internal/pipeline"
	"medlens/internal/store"
	"medlens/pkg/types"
)

//go:embed templates/index.html
var templateFS embed.FS

var pageTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type pageData struct {
	Device  string
	Model   string
	Ready   bool
	Accept  string
	History []history.Entry
}

func (a *AppState) handlePage(w http.ResponseWriter, r *http.Request) {
	_, hist := a.Sessions.FromRequest(w, r)
	accept := make([]string, 0, len(a.AllowedExtensions))
	for _, e := range a.AllowedExtensions {
		accept = append(accept, "."+strings.TrimPrefix(e, "."))
	}
	data := pageData{
		Device:  strings.ToUpper(string(a.device())),
		Accept:  strings.Join(accept, ","),
		History: hist.All(),
	}
	if a.Analyzer != nil {
		data.Model = a.Analyzer.ModelName()
		data.Ready = a.Analyzer.Ready()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTmpl.Execute(w, data); err != nil {
		log := requestLogger(r)
		log.Error().Err(err).Msg("render page")
	}
}

// handleAnalyzeForm runs one analysis and redirects back to the page.
// Incomplete forms redirect without running anything.
func (a *AppState) handleAnalyzeForm(w http.ResponseWriter, r *http.Request) {
	_, hist := a.Sessions.FromRequest(w, r)
	up, _, err := parseUpload(w, r, a.AllowedExtensions)
	if err != nil {
		log := requestLogger(r)
		log.Debug().Err(err).Msg("analyze form rejected")
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	a.analyze(r, up, hist)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *AppState) handleAnalyzeAPI(w http.ResponseWriter, r *http.Request) {
	_, hist := a.Sessions.FromRequest(w, r)
	up, status, err := parseUpload(w, r, a.AllowedExtensions)
	if err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	res := a.analyze(r, up, hist)
	out := types.AnalyzeResponse{
		Answer:     res.Text(),
		OK:         res.OK(),
		ErrorKind:  string(res.Kind),
		Warnings:   res.Warnings,
		HistoryLen: hist.Len(),
	}
	if !res.OK() {
		out.Error = res.Message
	}
	writeJSON(w, out)
}

// analyze runs the pipeline, appends to the session history and records
// the analysis when enabled.
func (a *AppState) analyze(r *http.Request, up upload, hist *history.Store) pipeline.Result {
	lvl := requestLogLevel(r)
	log := requestLogger(r)
	start := time.Now()
	if lvl >= LevelInfo {
		log.Info().Str("path", r.URL.Path).Str("file", up.Filename).Int("bytes", len(up.Data)).Msg("analyze start")
	}
	img, decErr := decodeImage(up.Data)
	ctx, cancel := analysisContext(r.Context())
	defer cancel()
	res := a.Analyzer.Infer(ctx, pipeline.Request{Image: img, Prompt: up.Prompt, ImageErr: decErr})
	hist.Append(up.Prompt, res.Text())
	switch {
	case !res.OK() && lvl >= LevelError:
		log.Error().Str("kind", string(res.Kind)).Str("error", res.Message).Dur("dur", time.Since(start)).Msg("analyze end")
	case lvl >= LevelInfo:
		log.Info().Bool("ok", res.OK()).Dur("dur", time.Since(start)).Msg("analyze end")
	}
	if lvl >= LevelDebug {
		log.Debug().Str("prompt", up.Prompt).Str("answer", res.Text()).Msg("analyze detail")
	}
	a.record(up, res)
	return res
}

// record stores the analysis when a recorder is configured and the form
// names a patient. Failures are logged only.
func (a *AppState) record(up upload, res pipeline.Result) {
	if a.Recorder == nil || up.PatientID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(serverBaseCtx, 10*time.Second)
	defer cancel()
	imagePath := ""
	if a.UploadsDir != "" {
		p := filepath.Join(a.UploadsDir, uuid.NewString()+strings.ToLower(filepath.Ext(up.Filename)))
		if err := fsutil.WriteFileAtomic(p, up.Data, 0o644); err != nil {
			zlog.Warn().Err(err).Str("path", p).Msg("save upload")
		} else {
			imagePath = p
		}
	}
	_, err := a.Recorder.RecordAnalysis(ctx, up.PatientID,
		store.Case{Symptoms: up.Symptoms, PreviousDiagnosis: up.PreviousDiagnosis},
		store.Analysis{ImagePath: imagePath, Prompt: up.Prompt, Response: res.Text()})
	if err != nil {
		analysesRecorded.WithLabelValues("error").Inc()
		zlog.Error().Err(err).Str("patient_id", up.PatientID).Msg("record analysis")
		return
	}
	analysesRecorded.WithLabelValues("ok").Inc()
}

func (a *AppState) handleHistory(w http.ResponseWriter, r *http.Request) {
	_, hist := a.Sessions.FromRequest(w, r)
	entries := hist.All()
	out := types.HistoryResponse{Entries: make([]types.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, types.HistoryEntry{Prompt: e.Prompt, Response: e.Response, AtUnix: e.At.Unix()})
	}
	writeJSON(w, out)
}

func (a *AppState) handleModels(w http.ResponseWriter, r *http.Request) {
	out := types.ModelsResponse{Models: []types.CachedModel{}}
	if a.Analyzer != nil {
		out.Configured = a.Analyzer.ModelName()
	}
	if a.Models != nil {
		models, err := a.Models.Scan(a.ModelsDir)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if models != nil {
			out.Models = models
		}
	}
	writeJSON(w, out)
}

func (a *AppState) handleStatus(w http.ResponseWriter, r *http.Request) {
	dev := a.device()
	out := types.StatusResponse{
		Device:    string(dev),
		Precision: string(device.PrecisionFor(dev)),
		Sessions:  a.Sessions.Len(),
		UptimeSec: int64(time.Since(a.Started).Seconds()),
	}
	if a.Analyzer != nil {
		out.Model = a.Analyzer.ModelName()
		out.CacheDir = a.Analyzer.CacheDir()
		out.Cached = fsutil.IsDir(out.CacheDir)
		if h := a.Analyzer.Handle(); h != nil {
			out.Ready = true
			out.Source = string(h.Source)
			if h.Precision != "" {
				out.Precision = string(h.Precision)
			}
		}
	}
	writeJSON(w, out)
}

func (a *AppState) device() device.Tag {
	if a.Device == "" {
		return device.CPU
	}
	return a.Device
}
