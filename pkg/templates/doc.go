// Package templates stores the deployment templates and init scripts used to
// provision compute instances, and renders init script placeholders.
package templates
