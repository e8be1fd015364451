package system

import "fmt"

func errCapabilityNotDeclared(sys System, want interface{ String() string }) error {
	return fmt.Errorf("system %s (%s) does not declare capability %s", sys.SystemID(), sys.SystemType(), want)
}

func errCapabilityNotImplemented(sys System, want interface{ String() string }) error {
	return fmt.Errorf("system %s (%s) declares capability %s but does not implement its interface", sys.SystemID(), sys.SystemType(), want)
}
