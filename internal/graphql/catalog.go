package graphql

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// Operation names known to the client.
const (
	OpLogin                = "Login"
	OpRegister             = "Register"
	OpRefreshToken         = "RefreshToken"
	OpCurrentUser          = "CurrentUser"
	OpLogout               = "Logout"
	OpLogoutSession        = "LogoutSession"
	OpRequestPasswordReset = "RequestPasswordReset"
	OpResetPassword        = "ResetPassword"
	OpChangePassword       = "ChangePassword"
	OpVerifyEmail          = "VerifyEmail"
	OpEnableMFA            = "EnableMfa"
	OpDisableMFA           = "DisableMfa"
	OpVerifyMFA            = "VerifyMfa"
	OpUpdateProfile        = "UpdateProfile"
	OpListSessions         = "MySessions"
	OpValidateToken        = "ValidateToken"
)

//go:embed schema.graphql
var schemaSDL string

//go:embed ops/*.graphql fragments/*.graphql
var docsFS embed.FS

// Operation is a validated document ready to send.
type Operation struct {
	Name  string
	Kind  ast.Operation
	Query string
}

// Catalog holds the client schema and every operation validated against it.
type Catalog struct {
	schema *ast.Schema
	ops    map[string]Operation
}

// LoadCatalog parses the embedded schema and operations. Any drift between the
// two is reported here rather than at request time.
func LoadCatalog() (*Catalog, error) {
	return loadCatalog(schemaSDL, docsFS)
}

func loadCatalog(sdl string, docs fs.FS) (*Catalog, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: sdl})
	if err != nil {
		return nil, fmt.Errorf("graphql schema: %w", err)
	}

	fragments, err := readDir(docs, "fragments")
	if err != nil {
		return nil, err
	}
	opFiles, err := readDir(docs, "ops")
	if err != nil {
		return nil, err
	}

	c := &Catalog{schema: schema, ops: make(map[string]Operation, len(opFiles))}
	for file, body := range opFiles {
		query := withFragments(body, fragments)
		doc, gqlErrs := gqlparser.LoadQuery(schema, query)
		if len(gqlErrs) > 0 {
			return nil, fmt.Errorf("graphql %s: %w", file, gqlErrs)
		}
		if len(doc.Operations) != 1 {
			return nil, fmt.Errorf("graphql %s: want exactly one operation, got %d", file, len(doc.Operations))
		}
		op := doc.Operations[0]
		if op.Name == "" {
			return nil, fmt.Errorf("graphql %s: anonymous operation", file)
		}
		if _, dup := c.ops[op.Name]; dup {
			return nil, fmt.Errorf("graphql %s: duplicate operation %s", file, op.Name)
		}
		c.ops[op.Name] = Operation{Name: op.Name, Kind: op.Operation, Query: query}
	}
	return c, nil
}

// Op returns the operation called name.
func (c *Catalog) Op(name string) (Operation, bool) {
	op, ok := c.ops[name]
	return op, ok
}

// Names lists the operation names in order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.ops))
	for n := range c.ops {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Schema returns the parsed client schema.
func (c *Catalog) Schema() *ast.Schema { return c.schema }

// withFragments appends the fragment definitions body spreads. A fragment
// file is named after the fragment it defines; fragments may use each other.
func withFragments(body string, fragments map[string]string) string {
	names := make([]string, 0, len(fragments))
	for file := range fragments {
		names = append(names, strings.TrimSuffix(file, ".graphql"))
	}
	sort.Strings(names)

	included := map[string]bool{}
	doc := body
	for changed := true; changed; {
		changed = false
		for _, n := range names {
			if included[n] || !strings.Contains(doc, "..."+n) {
				continue
			}
			included[n] = true
			doc += "\n" + fragments[n+".graphql"]
			changed = true
		}
	}
	return doc
}

func readDir(docs fs.FS, dir string) (map[string]string, error) {
	entries, err := fs.ReadDir(docs, dir)
	if err != nil {
		return nil, fmt.Errorf("graphql %s: %w", dir, err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".graphql" {
			continue
		}
		b, err := fs.ReadFile(docs, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[e.Name()] = string(b)
	}
	return out, nil
}
