// Package errs declares the error kinds shared across the capture pipeline.
// Components wrap these sentinels with fmt.Errorf("...: %w") so callers can
// classify failures with errors.Is and choose between retry, degrade and exit.
package errs
