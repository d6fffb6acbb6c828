// Package execution dispatches one unit of work into a short-lived execution
// context and waits for the extraction agent's single reply.
//
// The Manager opens a context through a Driver, polls it until ready, injects
// the agent, registers a single-shot completion in the Router and sends the
// task. Whatever happens, the context is closed before Dispatch returns and
// the outcome is folded into a TaskResult; Dispatch itself never returns an
// error. The procdriver subpackage hosts contexts as child processes.
package execution
