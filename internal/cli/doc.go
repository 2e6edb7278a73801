// Package cli — cobra-команды pipectl: run, validate, probe, history,
// schedule. Коды завершения различают исходы: 0 COMPLETED, 1 ABORTED,
// 2 CONFIG_ERROR, 3 PRECONDITION_FAILED.
package cli
