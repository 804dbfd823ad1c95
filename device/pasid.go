package device

import (
	"fmt"
	"time"

	"github.com/sarchlab/yokote/hw"
	"github.com/sarchlab/yokote/kerr"
)

// pasidAckStep is the probe interval of the mapping-ack busy poll.
const pasidAckStep = 10 * time.Microsecond

// SetPasidMapping programs the PASID of vmid into both ATC tables and
// mirrors it into the interrupt-handler LUTs. PASID 0 clears the
// mapping. The hardware acknowledges each table write by raising the
// VMID's bit in the update-status register; the poll on that bit is
// bounded by the PASID ack timeout and the bit is cleared by writing it
// back.
func (d *Device) SetPasidMapping(pasid, vmid uint32) error {
	value := uint32(0)
	if pasid != 0 {
		value = pasid | atcValidBit
	}

	err := d.writeMappingAcked(hw.RegATCVMIDPasidMappingBase+vmid, value, vmid)
	if err != nil {
		return fmt.Errorf("device %s pasid %d vmid %d: %w",
			d.name, pasid, vmid, err)
	}
	d.regs.Write32(hw.RegIHVMIDLUTBase+vmid, value)

	err = d.writeMappingAcked(hw.RegATCVMID16PasidMappingBase+vmid, value,
		vmid+16)
	if err != nil {
		return fmt.Errorf("device %s pasid %d vmid %d: %w",
			d.name, pasid, vmid, err)
	}
	d.regs.Write32(hw.RegIHVMIDLUTMMBase+vmid, value)
	return nil
}

func (d *Device) writeMappingAcked(reg, value, bit uint32) error {
	d.regs.Write32(reg, value)

	_, err := hw.PollReg(d.regs, hw.RegATCMappingUpdateStatus,
		func(v uint32) bool { return v&(1<<bit) != 0 },
		d.pasidAckTimeout, pasidAckStep)
	if err != nil {
		return fmt.Errorf("mapping update ack bit %d: %w", bit, err)
	}

	d.regs.Write32(hw.RegATCMappingUpdateStatus, 1<<bit)
	return nil
}

// PasidForVMID returns the PASID mapped to vmid and whether the mapping
// is valid.
func (d *Device) PasidForVMID(vmid uint32) (uint32, bool) {
	v := d.regs.Read32(hw.RegATCVMIDPasidMappingBase + vmid)
	return v &^ atcValidBit, v&atcValidBit != 0
}

// InvalidateTLBs drops the translations of pasid. With the KIQ up, the
// invalidation goes through a ring packet whose fence is waited with
// the device-wide timeout. Without it, the legacy fallback scans the
// user VMIDs for the matching mapping.
func (d *Device) InvalidateTLBs(pasid uint32) error {
	if d.InReset() {
		return fmt.Errorf("device %s: %w", d.name, kerr.ErrDeviceReset)
	}

	if d.kiq.isReady() {
		return d.kiq.invalidateTLBs(pasid)
	}

	for vmid := UserVMIDFirst; vmid <= UserVMIDLast; vmid++ {
		mapped, valid := d.PasidForVMID(vmid)
		if valid && mapped == pasid {
			d.FlushTLBVMID(vmid)
			break
		}
	}
	return nil
}

// InvalidateTLBsVMID flushes one VMID directly, without a PASID lookup.
func (d *Device) InvalidateTLBsVMID(vmid uint32) error {
	if d.InReset() {
		return fmt.Errorf("device %s: %w", d.name, kerr.ErrDeviceReset)
	}
	d.FlushTLBVMID(vmid)
	return nil
}

// flushByPasid flushes every valid VMID mapped to pasid. The KIQ
// invalidation packet resolves PASIDs in hardware, so unlike the legacy
// scan it does not stop at the first match.
func (d *Device) flushByPasid(pasid uint32) {
	for vmid := UserVMIDFirst; vmid <= UserVMIDLast; vmid++ {
		mapped, valid := d.PasidForVMID(vmid)
		if valid && mapped == pasid {
			d.FlushTLBVMID(vmid)
		}
	}
}
