package views

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"strings"
	"time"

	"terrarium-server/internal/modules/terrarium/types"
)

var pageTmpl *template.Template

var errNotLoaded = errors.New("templates not loaded: call views.LoadTemplates during startup")

var funcs = template.FuncMap{
	"formatValue": formatValue,
	"formatTime":  formatTime,
	"roleLabel":   roleLabel,
}

// loadTemplatesFromFS parses pages and partials from dir inside fsys. Tests
// use it with fstest.MapFS to exercise failures.
func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	t, err := template.New("").Funcs(funcs).ParseFS(sub, "*.html", "partials/*.html")
	if err != nil {
		return err
	}
	pageTmpl = t
	return nil
}

// LoadTemplates loads the embedded templates. Call during startup before
// serving requests; if it returns an error, do not start the server.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

func execute(w io.Writer, name string, data any) error {
	if pageTmpl == nil {
		return errNotLoaded
	}
	return pageTmpl.ExecuteTemplate(w, name, data)
}

type IndexPage struct {
	Items []types.KindSummary
}

func RenderIndex(w io.Writer, data IndexPage) error {
	return execute(w, "index.html", data)
}

// RenderSummaryTable renders only the summary fragment, as swapped in by the
// SSE stream and /ui/summary.
func RenderSummaryTable(w io.Writer, items []types.KindSummary) error {
	return execute(w, "summary_table", items)
}

type TerrariumPage struct {
	Slug     string
	Name     string
	Roles    []types.Role
	Snapshot *types.RoleSnapshot
	Hours    int
	Readings []types.ReadingOut
}

func RenderTerrarium(w io.Writer, data TerrariumPage) error {
	if data.Roles == nil {
		data.Roles = types.Roles
	}
	return execute(w, "terrarium.html", data)
}

type AdminMapPage struct {
	Slug     string
	Roles    []types.Role
	Bindings map[types.Role]string
	Seen     []types.SeenSource
	// Saved names the role just written, if any.
	Saved types.Role
}

func RenderAdminMap(w io.Writer, data AdminMapPage) error {
	if data.Roles == nil {
		data.Roles = types.Roles
	}
	return execute(w, "admin_map.html", data)
}

// RenderRoleTable renders the mapping form fragment returned after a POST.
func RenderRoleTable(w io.Writer, data AdminMapPage) error {
	if data.Roles == nil {
		data.Roles = types.Roles
	}
	return execute(w, "role_table", data)
}

func formatValue(v *float64, unit any) string {
	if v == nil {
		return "n/a"
	}
	var u string
	switch x := unit.(type) {
	case string:
		u = x
	case *string:
		if x != nil {
			u = *x
		}
	}
	if u == "" {
		return fmt.Sprintf("%.1f", *v)
	}
	if u == "%" {
		return fmt.Sprintf("%.1f%%", *v)
	}
	return fmt.Sprintf("%.1f %s", *v, u)
}

func formatTime(ts any) string {
	var t time.Time
	switch x := ts.(type) {
	case time.Time:
		t = x
	case *time.Time:
		if x == nil {
			return ""
		}
		t = *x
	default:
		return ""
	}
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func roleLabel(role any) string {
	s := strings.ReplaceAll(fmt.Sprint(role), "_", " ")
	switch s {
	case "basking temp":
		return "Basking temperature"
	case "env temp":
		return "Ambient temperature"
	case "humidity":
		return "Humidity"
	}
	return s
}
