package db

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractClinicID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ClinicHeader, "northside")
	c := e.NewContext(req, httptest.NewRecorder())

	if cid := extractClinicID(c, "default"); cid != "northside" {
		t.Errorf("expected northside, got %s", cid)
	}
}

func TestExtractClinicID_TokenWins(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ClinicHeader, "header_clinic")
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("jwt_clinic_id", "token_clinic")

	if cid := extractClinicID(c, "default"); cid != "token_clinic" {
		t.Errorf("expected token_clinic, got %s", cid)
	}
}

func TestExtractClinicID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if cid := extractClinicID(c, "default"); cid != "default" {
		t.Errorf("expected default, got %s", cid)
	}
}

func TestClinicSchema(t *testing.T) {
	valid := []string{"abc", "clinic_1", "A1B2"}
	for _, v := range valid {
		schema, err := ClinicSchema(v)
		if err != nil {
			t.Errorf("ClinicSchema(%q) unexpected error: %v", v, err)
		}
		if schema != "clinic_"+v {
			t.Errorf("ClinicSchema(%q) = %q", v, schema)
		}
	}

	invalid := []string{"", "a-b", "x; DROP SCHEMA public", "a b", strings.Repeat("a", 49)}
	for _, v := range invalid {
		if _, err := ClinicSchema(v); err == nil {
			t.Errorf("ClinicSchema(%q) expected error", v)
		}
	}
}
