// Package secrets redacts credentials from text before it is written to the
// audit trail or echoed by the CLI.
//
// Detection is regex based. A rule may list keywords; such a rule only runs
// when one of its keywords appears in the input. Findings never carry the
// matched value.
package secrets
