package handlers

import (
	"context"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"chemdrive/internal/models"
	"chemdrive/internal/recent"
	"chemdrive/internal/service"
)

type PageData struct {
	Title    string
	Status   models.WorkerStatus
	Path     string
	Text     string
	Dirty    bool
	Devices  []DeviceView
	DocError string
	Logs     []models.LogEntry
	Recent   []recent.Project
}

type TemplateHandler struct {
	templates *template.Template
	drive     *service.Drive
}

func NewTemplateHandler(templatesFS fs.FS, drive *service.Drive) (*TemplateHandler, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"present": Present,
	}).ParseFS(templatesFS, "*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateHandler{
		templates: tmpl,
		drive:     drive,
	}, nil
}

func (th *TemplateHandler) buildPageData(ctx context.Context) (PageData, error) {
	data := PageData{Title: "ChemDrive"}
	err := th.drive.Call(ctx, func() {
		data.Status = th.drive.Status()
		data.Path = th.drive.Path()
		data.Text = th.drive.Text()
		data.Dirty = th.drive.Dirty()

		cards, err := th.drive.Cards()
		if err != nil {
			data.DocError = err.Error()
		}
		data.Devices = deviceViews(cards)

		projects, err := th.drive.Recent()
		if err != nil {
			slog.WarnContext(ctx, "read recent projects", "error", err)
		}
		data.Recent = projects
	})
	data.Logs = th.drive.Logs("", "", 50)
	return data, err
}

func (th *TemplateHandler) ServeTemplate(templateName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		data, err := th.buildPageData(ctx)
		if err != nil {
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if err := th.templates.ExecuteTemplate(w, templateName+".html", data); err != nil {
			slog.ErrorContext(r.Context(), "execute template", "template", templateName, "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}
