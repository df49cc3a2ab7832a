package persona

import "github.com/jasperhg90/persona/internal/metastore"

// WrapMeta substitutes the registry's metadata store, letting tests inject
// failures into commit paths.
func (r *Registry) WrapMeta(wrap func(metastore.Store) metastore.Store) {
	r.meta = wrap(r.meta)
}
