// Package library ships the builtin skill catalog embedded in the binary.
// Library skills resolve by name in get_skill_files and install_skill but
// are never indexed in the metadata store; they exist outside the registry.
package library

import (
	"embed"
	"io/fs"
	"path"
	"sort"
	"sync"
)

//go:embed all:assets/skills
var assets embed.FS

// File is one file of a library skill.
type File struct {
	// Name is the base file name ("SKILL.md").
	Name string

	// StoragePath is the install-relative path "<skill>/<subpath>"; the
	// installer preserves it under the target directory.
	StoragePath string

	// Content is the embedded file body.
	Content []byte
}

// Skill is an embedded skill: its files in stable order, SKILL.md first.
type Skill struct {
	Name  string
	Files []File
}

var (
	once    sync.Once
	catalog map[string]Skill
)

// Skills returns the builtin catalog keyed by skill name. The catalog is
// loaded once and must not be mutated.
func Skills() map[string]Skill {
	once.Do(func() {
		catalog = load()
	})

	return catalog
}

func load() map[string]Skill {
	const root = "assets/skills"

	skills := map[string]Skill{}

	entries, err := assets.ReadDir(root)
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic(err)
	}

	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}

		name := dir.Name()
		skill := Skill{Name: name}

		err := fs.WalkDir(assets, path.Join(root, name), func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}

			content, err := assets.ReadFile(p)
			if err != nil {
				return err
			}

			rel := p[len(root)+1:]

			skill.Files = append(skill.Files, File{
				Name:        path.Base(p),
				StoragePath: rel,
				Content:     content,
			})

			return nil
		})
		if err != nil {
			panic(err)
		}

		sort.Slice(skill.Files, func(i, j int) bool {
			if (skill.Files[i].Name == "SKILL.md") != (skill.Files[j].Name == "SKILL.md") {
				return skill.Files[i].Name == "SKILL.md"
			}

			return skill.Files[i].StoragePath < skill.Files[j].StoragePath
		})

		skills[name] = skill
	}

	return skills
}
