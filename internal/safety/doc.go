// Package safety is the incident and escort lifecycle core. It defines the
// Engine (panic and escort state machines), the Matcher (which responders
// to alert), the Dispatcher (bounded notification fan-out with delivery
// accounting), the store interfaces and the domain models.
package safety
