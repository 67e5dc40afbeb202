// Package environments loads the Cloud Executor's environment catalog: the
// on-disk JSON file mapping environment_id to the repository parameters a
// cloud task submits against (§6).
package environments

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/kandev/kandev/internal/opserr"
)

// Environment describes one configured remote target. RepoURL/Description
// use the external camelCase names from the on-disk object's field shape
// (§6: "a JSON object mapping environment_id → {name, repoUrl, …}"); ID is
// not itself a JSON field — it is the object's key, filled in by Load.
type Environment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RepoURL     string `json:"repoUrl"`
	Stack       string `json:"stack,omitempty"`
	Description string `json:"description,omitempty"`
}

// Catalog is the loaded, queryable set of environments.
type Catalog struct {
	byID map[string]Environment
	all  []Environment
}

// Load reads the environments file at path. A missing file is a
// config-missing error, per §4.9's `cloud_list_environments` error kind —
// there is no sensible empty-catalog default because every cloud_* call
// needs a concrete environment_id to resolve.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, opserr.Wrap(opserr.KindConfigMissing, fmt.Sprintf("environments file not found at %s", path), err)
		}
		return nil, opserr.Wrap(opserr.KindConfigMissing, "read environments file", err)
	}

	var byID map[string]Environment
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, opserr.Wrap(opserr.KindConfigMissing, "parse environments file", err)
	}

	c := &Catalog{byID: make(map[string]Environment, len(byID)), all: make([]Environment, 0, len(byID))}
	for id, e := range byID {
		e.ID = id
		c.byID[id] = e
		c.all = append(c.all, e)
	}
	sort.Slice(c.all, func(i, j int) bool { return c.all[i].ID < c.all[j].ID })
	return c, nil
}

// Get returns the environment with the given ID, or (zero, false).
func (c *Catalog) Get(id string) (Environment, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// List returns every configured environment, in lexical ID order (the
// on-disk object has no inherent order of its own).
func (c *Catalog) List() []Environment {
	out := make([]Environment, len(c.all))
	copy(out, c.all)
	return out
}
