package serial

var (
	tcgets = uintptr(0x5401)
	tcsets = uintptr(0x5402)

	tcsbrk = uintptr(0x5409)

	tcflsh = uintptr(0x540B)

	tiocmget = uintptr(0x5415) // get status
	tiocmbis = uintptr(0x5416) // set indicated bits
	tiocmbic = uintptr(0x5417) // clear indicated bits
)
