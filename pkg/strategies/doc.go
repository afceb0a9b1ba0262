// Package strategies holds the operating-system specific creation strategies.
//
// A strategy names the compute instance and renders a deployment template
// with the parameters the in-VM agent needs to find its input queue. Linux
// instances receive a rendered init script as custom data. Windows instances
// run an init shim through a custom script extension.
package strategies
