package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/filter"
	"github.com/yairfalse/overwatch/pkg/resource"
)

const maxBodyBytes = 1 << 20

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type bindRequest struct {
	AccountRef resource.AccountRef `json:"account_ref"`
	Rebind     bool                `json:"rebind"`
}

type confirmRequest struct {
	AccountRef resource.AccountRef `json:"account_ref"`
}

type reapRequest struct {
	AccountRef resource.AccountRef `json:"account_ref"`
	DryRun     bool                `json:"dry_run"`
}

// ResourceList is the body of a resource listing.
type ResourceList struct {
	AccountRef resource.AccountRef `json:"account_ref"`
	Count      int                 `json:"count"`
	Resources  []resource.Record   `json:"records"`
}

func decode(w http.ResponseWriter, r *http.Request, op string, v any) error {
	return decodeBody(w, r, op, v, false)
}

// decodeBody reads a JSON body into v. With optional set an empty body
// leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, op string, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Wrap(apperr.KindInvalid, op, err)
	}
	return nil
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(w, r, "signup", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.svc.Signup(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, "login", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) bindAccount(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decode(w, r, "bind account", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.BindAccount(r.Context(), chi.URLParam(r, "userID"), req.AccountRef, req.Rebind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) confirmBind(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decode(w, r, "confirm bind", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.svc.ConfirmBind(r.Context(), chi.URLParam(r, "userID"), req.AccountRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) getBinding(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Binding(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// accountRef reads the path parameter. Role ARNs contain "/", so clients
// send it escaped.
func accountRef(r *http.Request) (resource.AccountRef, error) {
	raw := chi.URLParam(r, "accountRef")
	ref, err := url.PathUnescape(raw)
	if err != nil || ref == "" {
		return "", apperr.New(apperr.KindInvalid, "account ref", "malformed account ref %q", raw)
	}
	return resource.AccountRef(ref), nil
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	ref, err := accountRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.svc.Scan(r.Context(), ref)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, summary)
	case errors.Is(err, apperr.ErrPartialScan):
		writeJSON(w, http.StatusMultiStatus, summary)
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	ref, err := accountRef(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.parseQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.svc.ListResources(r.Context(), ref, q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []resource.Record{}
	}
	writeJSON(w, http.StatusOK, ResourceList{AccountRef: ref, Count: len(records), Resources: records})
}

// parseQuery maps ?q=&bucket=&start=&end=&sort=&type=&label=k=v onto a filter query.
func (s *Server) parseQuery(v url.Values) (filter.Query, error) {
	bucket, err := filter.ParseBucket(v.Get("bucket"))
	if err != nil {
		return filter.Query{}, err
	}
	q := filter.Query{
		Text:     v.Get("q"),
		Bucket:   bucket,
		Sort:     v.Get("sort"),
		Types:    v["type"],
		Location: s.location,
	}

	start, end := v.Get("start"), v.Get("end")
	if start != "" || end != "" {
		if start == "" || end == "" {
			return filter.Query{}, apperr.New(apperr.KindInvalidRange, "list resources", "start and end must be given together")
		}
		from, err := filter.ParseTime(start, s.location)
		if err != nil {
			return filter.Query{}, err
		}
		to, err := filter.ParseTime(end, s.location)
		if err != nil {
			return filter.Query{}, err
		}
		q.Range = &filter.Range{Start: from, End: to}
		if q.Bucket == filter.BucketAll {
			q.Bucket = filter.BucketCustom
		}
	}

	for _, label := range v["label"] {
		k, val, ok := strings.Cut(label, "=")
		if !ok || k == "" {
			return filter.Query{}, apperr.New(apperr.KindInvalid, "list resources", "label %q must be key=value", label)
		}
		if q.Labels == nil {
			q.Labels = make(map[string]string)
		}
		q.Labels[k] = val
	}
	return q, nil
}

func (s *Server) reap(w http.ResponseWriter, r *http.Request) {
	var req reapRequest
	if err := decodeBody(w, r, "reap", &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.DryRun {
		plan, err := s.svc.PlanReap(r.Context(), req.AccountRef)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"dry_run": true, "candidates": plan})
		return
	}

	summary, err := s.svc.ReapExpired(r.Context(), req.AccountRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
