//go:build windows

package dpop

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Well-known SIDs that indicate overly permissive access to a key file.
var (
	// S-1-1-0: Everyone
	sidEveryone *windows.SID
	// S-1-5-32-545: Users
	sidUsers *windows.SID
	// S-1-5-11: Authenticated Users
	sidAuthenticatedUsers *windows.SID
	// S-1-5-18: Local System
	sidSystem *windows.SID
)

func init() {
	var err error
	sidEveryone, err = windows.CreateWellKnownSid(windows.WinWorldSid)
	if err != nil {
		panic("failed to create Everyone SID: " + err.Error())
	}
	sidUsers, err = windows.CreateWellKnownSid(windows.WinBuiltinUsersSid)
	if err != nil {
		panic("failed to create Users SID: " + err.Error())
	}
	sidAuthenticatedUsers, err = windows.CreateWellKnownSid(windows.WinAuthenticatedUserSid)
	if err != nil {
		panic("failed to create Authenticated Users SID: " + err.Error())
	}
	sidSystem, err = windows.CreateWellKnownSid(windows.WinLocalSystemSid)
	if err != nil {
		panic("failed to create SYSTEM SID: " + err.Error())
	}
}

// checkFilePermissions verifies a key file has owner-only access on Windows.
// Returns ErrInvalidPermissions if Everyone, Users, or Authenticated Users
// have access.
func checkFilePermissions(path string) error {
	sd, err := windows.GetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.OWNER_SECURITY_INFORMATION,
	)
	if err != nil {
		return fmt.Errorf("get security info: %w", err)
	}

	dacl, _, err := sd.DACL()
	if err != nil {
		return fmt.Errorf("get DACL: %w", err)
	}
	if dacl == nil {
		// NULL DACL means full access to everyone
		return fmt.Errorf("%w: file has no DACL (full access to everyone)", ErrInvalidPermissions)
	}

	owner, _, err := sd.Owner()
	if err != nil {
		return fmt.Errorf("get owner: %w", err)
	}

	aceCount := int(dacl.AceCount)
	for i := 0; i < aceCount; i++ {
		var ace *windows.ACCESS_ALLOWED_ACE
		if err := getAce(dacl, uint32(i), &ace); err != nil {
			return fmt.Errorf("get ACE %d: %w", i, err)
		}

		aceSid := (*windows.SID)(unsafe.Pointer(&ace.SidStart))

		// Owner and SYSTEM access is fine.
		if aceSid.Equals(owner) || aceSid.Equals(sidSystem) {
			continue
		}

		if aceSid.Equals(sidEveryone) {
			return fmt.Errorf("%w: file accessible to Everyone", ErrInvalidPermissions)
		}
		if aceSid.Equals(sidUsers) {
			return fmt.Errorf("%w: file accessible to Users group", ErrInvalidPermissions)
		}
		if aceSid.Equals(sidAuthenticatedUsers) {
			return fmt.Errorf("%w: file accessible to Authenticated Users", ErrInvalidPermissions)
		}

		// Any other SID besides owner/SYSTEM is suspicious
		return fmt.Errorf("%w: file accessible to other user (%s)", ErrInvalidPermissions, aceSid.String())
	}

	return nil
}

// setFilePermissions sets owner-only access on Windows by replacing the
// DACL with entries for only the owner and SYSTEM.
func setFilePermissions(path string) error {
	sd, err := windows.GetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.OWNER_SECURITY_INFORMATION,
	)
	if err != nil {
		return fmt.Errorf("get owner info: %w", err)
	}

	owner, _, err := sd.Owner()
	if err != nil {
		return fmt.Errorf("get owner SID: %w", err)
	}

	ea := []windows.EXPLICIT_ACCESS{
		{
			AccessPermissions: windows.GENERIC_READ | windows.GENERIC_WRITE | windows.DELETE,
			AccessMode:        windows.SET_ACCESS,
			Inheritance:       windows.NO_INHERITANCE,
			Trustee: windows.TRUSTEE{
				TrusteeForm:  windows.TRUSTEE_IS_SID,
				TrusteeType:  windows.TRUSTEE_IS_USER,
				TrusteeValue: windows.TrusteeValueFromSID(owner),
			},
		},
		{
			AccessPermissions: windows.GENERIC_READ | windows.GENERIC_WRITE | windows.DELETE,
			AccessMode:        windows.SET_ACCESS,
			Inheritance:       windows.NO_INHERITANCE,
			Trustee: windows.TRUSTEE{
				TrusteeForm:  windows.TRUSTEE_IS_SID,
				TrusteeType:  windows.TRUSTEE_IS_WELL_KNOWN_GROUP,
				TrusteeValue: windows.TrusteeValueFromSID(sidSystem),
			},
		},
	}

	acl, err := windows.ACLFromEntries(ea, nil)
	if err != nil {
		return fmt.Errorf("create ACL: %w", err)
	}

	err = windows.SetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.PROTECTED_DACL_SECURITY_INFORMATION,
		nil,
		nil,
		acl,
		nil,
	)
	if err != nil {
		return fmt.Errorf("set security info: %w", err)
	}

	return nil
}

// getAce retrieves an ACE from an ACL by index.
// This wraps the Windows GetAce function.
func getAce(acl *windows.ACL, index uint32, ace **windows.ACCESS_ALLOWED_ACE) error {
	ret, _, err := syscall.SyscallN(
		procGetAce.Addr(),
		uintptr(unsafe.Pointer(acl)),
		uintptr(index),
		uintptr(unsafe.Pointer(ace)),
	)
	if ret == 0 {
		return err
	}
	return nil
}

var (
	modadvapi32 = windows.NewLazySystemDLL("advapi32.dll")
	procGetAce  = modadvapi32.NewProc("GetAce")
)
