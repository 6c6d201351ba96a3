// Package buildsys loads the Starlark pipeline that describes a site's build tasks and runs them.
// A pipeline declares tasks inside its configure() function; tasks reference each other by the
// handles task(), series() and parallel() return and carry actions that do the actual work
// (compiling styles, bundling scripts, rendering pages, serving, watching, ...).
package buildsys
