//go:build linux && cgo

package queue

/*
#include <stdint.h>

static inline void sfence_impl(void) { __asm__ __volatile__("sfence" ::: "memory"); }
static inline void mfence_impl(void) { __asm__ __volatile__("mfence" ::: "memory"); }
*/
import "C"

// Sfence issues a store fence, ordering prior writes to DMA-mapped
// queue memory before the doorbell write that follows it.
func Sfence() { C.sfence_impl() }

// Mfence issues a full memory fence.
func Mfence() { C.mfence_impl() }
