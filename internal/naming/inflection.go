package naming

import (
	"github.com/jinzhu/inflection"
)

// Pluralize converts a singular word to its plural form.
// Checks custom overrides first, then falls back to the inflection library.
func (n *Namer) Pluralize(word string) string {
	if override, ok := lookup(n.config.PluralOverrides, word); ok {
		return override
	}
	return inflection.Plural(word)
}
