package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/jonwraymond/pagecache/auth"
	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/fullpage"
	"github.com/jonwraymond/pagecache/objectstore"
	"github.com/jonwraymond/pagecache/observe"
)

// maxBody caps JSON request bodies.
const maxBody = 1 << 20

var pageTemplate = template.Must(template.New("object").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Class}} {{.Key}}</title></head>
<body>
<h1>{{.Key}}</h1>
{{.Fields}}
</body>
</html>
`))

var fieldsTemplate = template.Must(template.New("fields").Parse(`<dl>
{{- range .}}
<dt>{{.Name}}</dt><dd>{{.Value}}</dd>
{{- end}}
</dl>`))

type pageField struct {
	Name  string
	Value string
}

type pageData struct {
	Class  string
	Key    string
	Fields template.HTML
}

// fieldsFragment keys the rendered field list of one object revision.
type fieldsFragment struct {
	ID           int64 `json:"id"`
	VersionCount int   `json:"versionCount"`
	Modified     int64 `json:"modified"`
}

// objectHandler serves rendered object pages and the JSON admin API.
type objectHandler struct {
	store     *objectstore.Store
	fragments *cache.FragmentCache
	logger    observe.Logger
}

// register mounts the page route behind the gate. The write and version
// routes need an authenticator and are left out without one.
func (h *objectHandler) register(mux *http.ServeMux, gate *fullpage.GateKeeper, authn auth.Authenticator, role string) {
	mux.Handle("GET /objects/{id}", gate.Middleware(http.HandlerFunc(h.page)))
	if authn == nil {
		return
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return auth.RequireRole(authn, role, fn)
	}
	mux.Handle("POST /objects", admin(h.save))
	mux.Handle("POST /objects/{id}", admin(h.save))
	mux.Handle("DELETE /objects/{id}", admin(h.delete))
	mux.Handle("GET /objects/{id}/versions", admin(h.versions))
}

func (h *objectHandler) page(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	o, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !o.Published() {
		http.NotFound(w, r)
		return
	}
	tags := h.store.CacheTags(o)
	fullpage.Tag(r.Context(), tags...)

	data := pageData{Class: o.ClassID, Key: o.Key()}
	var fields []pageField
	if class, ok := h.store.Class(o.ClassID); ok {
		data.Class = class.Name
		for _, f := range class.Fields {
			v := o.Get(f.Name)
			if v == nil {
				continue
			}
			fields = append(fields, pageField{Name: f.Name, Value: fmt.Sprint(v)})
		}
	}
	render := func(context.Context) ([]byte, error) {
		var buf bytes.Buffer
		if err := fieldsTemplate.Execute(&buf, fields); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	var body []byte
	if h.fragments != nil {
		key := fieldsFragment{ID: o.ID, VersionCount: o.VersionCount, Modified: o.ModificationDate.UnixMilli()}
		body, err = h.fragments.Render(r.Context(), "object-fields", key, tags, render)
	} else {
		body, err = render(r.Context())
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// body was produced by an html/template and is already escaped.
	data.Fields = template.HTML(body) // #nosec G203
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		h.logger.Warn(r.Context(), "page render failed", observe.F("id", id), observe.Err(err))
	}
}

type saveRequest struct {
	ClassID            string             `json:"classId"`
	ParentID           *int64             `json:"parentId"`
	Key                *string            `json:"key"`
	Published          *bool              `json:"published"`
	Fields             map[string]any     `json:"fields"`
	Tasks              []objectstore.Task `json:"tasks"`
	Note               string             `json:"note"`
	OmitMandatoryCheck *bool              `json:"omitMandatoryCheck"`
}

func (h *objectHandler) save(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	var o *objectstore.Object
	if r.PathValue("id") == "" {
		if req.ClassID == "" {
			writeError(w, http.StatusBadRequest, "classId is required")
			return
		}
		o = objectstore.NewObject(req.ClassID)
	} else {
		id, ok := pathID(r)
		if !ok {
			http.NotFound(w, r)
			return
		}
		var err error
		if o, err = h.store.Get(r.Context(), id); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	if req.ParentID != nil {
		o.SetParentID(*req.ParentID)
	}
	if req.Key != nil {
		o.SetKey(*req.Key)
	}
	if req.Published != nil {
		o.SetPublished(*req.Published)
	}
	for name, v := range req.Fields {
		o.Set(name, v)
	}
	if req.Tasks != nil {
		o.Tasks = req.Tasks
	}

	err := h.store.Save(r.Context(), o, objectstore.SaveOptions{
		VersionNote:        req.Note,
		OmitMandatoryCheck: req.OmitMandatoryCheck,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if r.PathValue("id") == "" {
		status = http.StatusCreated
	}
	writeJSON(w, status, newObjectView(o))
}

func (h *objectHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *objectHandler) versions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	versions, err := h.store.GetVersions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]versionView, 0, len(versions))
	for _, v := range versions {
		views = append(views, versionView{
			ID:           v.ID,
			VersionCount: v.VersionCount,
			Date:         v.Date,
			Note:         v.Note,
			AutoSave:     v.IsAutoSave,
			Data:         newObjectView(v.Object()),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// fail maps store errors onto status codes.
func (h *objectHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var vf *objectstore.ValidationFailure
	switch {
	case errors.As(err, &vf):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  vf.Message,
			"fields": vf.Fields(),
		})
	case errors.Is(err, objectstore.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, objectstore.ErrUnknownClass), errors.Is(err, objectstore.ErrUnknownField):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(r.Context(), "request failed",
			observe.F("method", r.Method), observe.F("path", r.URL.Path), observe.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type objectView struct {
	ID               int64              `json:"id"`
	ClassID          string             `json:"classId"`
	ParentID         int64              `json:"parentId"`
	Key              string             `json:"key"`
	Published        bool               `json:"published"`
	VersionCount     int                `json:"versionCount"`
	CreationDate     time.Time          `json:"creationDate"`
	ModificationDate time.Time          `json:"modificationDate"`
	Fields           map[string]any     `json:"fields"`
	Tasks            []objectstore.Task `json:"tasks,omitempty"`
}

func newObjectView(o *objectstore.Object) objectView {
	return objectView{
		ID:               o.ID,
		ClassID:          o.ClassID,
		ParentID:         o.ParentID(),
		Key:              o.Key(),
		Published:        o.Published(),
		VersionCount:     o.VersionCount,
		CreationDate:     o.CreationDate,
		ModificationDate: o.ModificationDate,
		Fields:           o.Fields(),
		Tasks:            o.Tasks,
	}
}

type versionView struct {
	ID           int64      `json:"id"`
	VersionCount int        `json:"versionCount"`
	Date         time.Time  `json:"date"`
	Note         string     `json:"note,omitempty"`
	AutoSave     bool       `json:"autoSave"`
	Data         objectView `json:"data"`
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
