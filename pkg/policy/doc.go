// Package policy evaluates Rego policies against provisioning requests
// before any remote resource is touched. Built-in policies cover project
// naming, template reference shape, and requirements size; operators can
// layer additional .rego files on top, with hot reload on file change.
package policy
