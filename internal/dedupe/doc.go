// Package dedupe provides a bounded seen-window so each live listener can drop
// messages it has already rendered, including its own optimistic echoes.
package dedupe
