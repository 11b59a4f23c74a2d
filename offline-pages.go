package offlinecache

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	cachestatus "github.com/CompuzettaRadios/offline-cache/pkg/cache-status"
	"github.com/CompuzettaRadios/offline-cache/pkg/classifier"
)

//go:embed templates/offline.html
var templates embed.FS

var offlineTemplate = template.Must(template.ParseFS(templates, "templates/offline.html"))

// OfflinePage is the placeholder document shown when a page is neither stored nor reachable.
type OfflinePage struct {
	Title   string `yaml:"title"`
	Heading string `yaml:"heading"`
	Message string `yaml:"message"`
	// Retry is the label of the button that reloads the page.
	Retry string `yaml:"retry"`
	// Background is a CSS background value.
	Background string `yaml:"background"`
}

// SpecialPage is a document with its own store key and its own offline page.
type SpecialPage struct {
	// Name of the document, e.g. "historial.html".
	Name       string `yaml:"name"`
	Title      string `yaml:"title"`
	Heading    string `yaml:"heading"`
	Message    string `yaml:"message"`
	Background string `yaml:"background"`
}

var DefaultOfflinePage = OfflinePage{
	Title:      "STEREO REVELACIÓN RADIO - Offline",
	Heading:    "STEREO REVELACIÓN RADIO",
	Message:    "No hay conexión a internet. La aplicación se cargará cuando se restablezca la conexión.",
	Retry:      "Intentar de nuevo",
	Background: "#1a0d2e",
}

// DefaultHistoryPage is the special page of the played songs list.
var DefaultHistoryPage = SpecialPage{
	Name:       "historial.html",
	Title:      "Historial - Error",
	Heading:    "🎵 Historial Musical",
	Message:    "No se pudo cargar el historial en este momento.",
	Background: "linear-gradient(135deg, #1a0d2e 0%, #2d1b69 30%, #16213e 70%, #0f1419 100%)",
}

func (p OfflinePage) withDefaults(d OfflinePage) OfflinePage {
	if p.Title == "" {
		p.Title = d.Title
	}
	if p.Heading == "" {
		p.Heading = d.Heading
	}
	if p.Message == "" {
		p.Message = d.Message
	}
	if p.Retry == "" {
		p.Retry = d.Retry
	}
	if p.Background == "" {
		p.Background = d.Background
	}
	return p
}

// withDefaults fills the texts the page leaves out from the site's offline page.
func (p SpecialPage) withDefaults(d OfflinePage) SpecialPage {
	filled := p.offlinePage().withDefaults(d)
	p.Title = filled.Title
	p.Heading = filled.Heading
	p.Message = filled.Message
	p.Background = filled.Background
	return p
}

func (p SpecialPage) offlinePage() OfflinePage {
	return OfflinePage{
		Title:      p.Title,
		Heading:    p.Heading,
		Message:    p.Message,
		Background: p.Background,
	}
}

// Render returns the HTML document of the page.
func (p OfflinePage) Render() ([]byte, error) {
	var buf bytes.Buffer
	err := offlineTemplate.Execute(&buf, struct {
		Title, Heading, Message, Retry string
		Background                     template.CSS
	}{
		Title:      p.Title,
		Heading:    p.Heading,
		Message:    p.Message,
		Retry:      p.Retry,
		Background: template.CSS(p.Background),
	})
	return buf.Bytes(), err
}

// sendOfflinePage answers with the placeholder page. It is never stored.
func (a *OfflineCache) sendOfflinePage(w http.ResponseWriter, r *http.Request, verdict classifier.Verdict, page OfflinePage, cs cachestatus.CacheStatus) {
	body, err := page.Render()
	if err != nil {
		a.log.Error().Err(err).Msg("Could not render offline page")
		a.sendUnavailable(w, r, verdict, cs)
		return
	}
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	a.logRequest(r, verdict, cs, http.StatusOK)
}
