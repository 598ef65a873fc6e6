// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/gogpu/backingstore/wire"
)

// imageFormat is the pixel format of every surface image: 32-bit BGRA.
const imageFormat = vk.FormatB8g8r8a8Unorm

// Image is a GPU surface in export-capable device memory.
//
// The image and its memory are bound and freed together. The exported
// handle references the same physical allocation: duplicating it
// duplicates the reference, never the memory.
type Image struct {
	width          int32
	height         int32
	allocationSize uint64
	image          vk.Image
	memory         vk.DeviceMemory
	handle         wire.Handle
	device         vk.Device
}

// Allocate creates a width x height BGRA image in device-local memory and
// exports its allocation as an opaque file descriptor.
//
// Any failure unwinds everything already created; a partial image is
// never returned. Devices without external-memory support fail with
// ErrCapabilityMissing.
func Allocate(ctx *Context, width, height int32) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrAllocationFailed, width, height)
	}
	if !ctx.SupportsExternalMemory() {
		return nil, fmt.Errorf("%w: VK_KHR_external_memory_fd", ErrCapabilityMissing)
	}

	img, err := createExportableImage(ctx.Device, width, height)
	if err != nil {
		return nil, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(ctx.Device, img, &memReqs)
	memReqs.Deref()

	memType, err := findMemoryType(ctx.PhysicalDevice, memReqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(ctx.Device, img, nil)
		return nil, err
	}

	var memory vk.DeviceMemory
	ret := vk.AllocateMemory(ctx.Device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
		PNext: unsafe.Pointer(&vk.ExportMemoryAllocateInfo{
			SType:       vk.StructureTypeExportMemoryAllocateInfo,
			HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeOpaqueFdBit),
		}),
	}, nil, &memory)
	if ret != vk.Success {
		vk.DestroyImage(ctx.Device, img, nil)
		return nil, fmt.Errorf("%w: vkAllocateMemory returned %d", ErrAllocationFailed, ret)
	}

	if ret := vk.BindImageMemory(ctx.Device, img, memory, 0); ret != vk.Success {
		vk.FreeMemory(ctx.Device, memory, nil)
		vk.DestroyImage(ctx.Device, img, nil)
		return nil, fmt.Errorf("%w: vkBindImageMemory returned %d", ErrAllocationFailed, ret)
	}

	var fd int32
	ret = vk.GetMemoryFd(ctx.Device, &vk.MemoryGetFdInfo{
		SType:      vk.StructureTypeMemoryGetFdInfo,
		Memory:     memory,
		HandleType: vk.ExternalMemoryHandleTypeOpaqueFdBit,
	}, &fd)
	if ret != vk.Success {
		vk.FreeMemory(ctx.Device, memory, nil)
		vk.DestroyImage(ctx.Device, img, nil)
		return nil, fmt.Errorf("%w: vkGetMemoryFd returned %d", ErrAllocationFailed, ret)
	}

	return &Image{
		width:          width,
		height:         height,
		allocationSize: uint64(memReqs.Size),
		image:          img,
		memory:         memory,
		handle:         wire.NewHandle(int(fd)),
		device:         ctx.Device,
	}, nil
}

// Import reconstructs an image from a descriptor received from another
// process. It creates an image of identical format, extent, and usage,
// then imports the descriptor's allocation into it. The imported image
// exposes the same contract as a locally allocated one, including
// re-export through Descriptor.
//
// Import takes ownership of the descriptor's handle: a successful import
// transfers one reference to the driver, and every failure path closes it.
func Import(ctx *Context, desc MemoryDescriptor) (*Image, error) {
	if !ctx.SupportsExternalMemory() {
		_ = desc.Close()
		return nil, fmt.Errorf("%w: VK_KHR_external_memory_fd", ErrCapabilityMissing)
	}
	if desc.Width <= 0 || desc.Height <= 0 || desc.AllocationSize == 0 {
		_ = desc.Close()
		return nil, fmt.Errorf("%w: descriptor %dx%d size %d",
			ErrAllocationFailed, desc.Width, desc.Height, desc.AllocationSize)
	}
	if !desc.Handle.Valid() {
		return nil, wire.ErrInvalidHandle
	}

	img, err := createExportableImage(ctx.Device, desc.Width, desc.Height)
	if err != nil {
		_ = desc.Close()
		return nil, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(ctx.Device, img, &memReqs)
	memReqs.Deref()

	if uint64(memReqs.Size) > desc.AllocationSize {
		vk.DestroyImage(ctx.Device, img, nil)
		_ = desc.Close()
		return nil, fmt.Errorf("%w: allocation %d bytes cannot back a %dx%d image needing %d",
			ErrAllocationFailed, desc.AllocationSize, desc.Width, desc.Height, memReqs.Size)
	}

	memType, err := findMemoryType(ctx.PhysicalDevice, memReqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(ctx.Device, img, nil)
		_ = desc.Close()
		return nil, err
	}

	// Keep one reference for re-export; the driver consumes the other on
	// a successful import.
	keep, err := desc.Handle.Dup()
	if err != nil {
		vk.DestroyImage(ctx.Device, img, nil)
		_ = desc.Close()
		return nil, err
	}
	fd := desc.Handle.Release()

	var memory vk.DeviceMemory
	ret := vk.AllocateMemory(ctx.Device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  vk.DeviceSize(desc.AllocationSize),
		MemoryTypeIndex: memType,
		PNext: unsafe.Pointer(&vk.ImportMemoryFdInfo{
			SType:      vk.StructureTypeImportMemoryFdInfo,
			HandleType: vk.ExternalMemoryHandleTypeOpaqueFdBit,
			Fd:         int32(fd),
		}),
	}, nil, &memory)
	if ret != vk.Success {
		// The driver adopts the fd only on success.
		reclaimed := wire.NewHandle(fd)
		_ = reclaimed.Close()
		_ = keep.Close()
		vk.DestroyImage(ctx.Device, img, nil)
		return nil, fmt.Errorf("%w: vkAllocateMemory (import) returned %d", ErrAllocationFailed, ret)
	}

	if ret := vk.BindImageMemory(ctx.Device, img, memory, 0); ret != vk.Success {
		vk.FreeMemory(ctx.Device, memory, nil)
		_ = keep.Close()
		vk.DestroyImage(ctx.Device, img, nil)
		return nil, fmt.Errorf("%w: vkBindImageMemory returned %d", ErrAllocationFailed, ret)
	}

	return &Image{
		width:          desc.Width,
		height:         desc.Height,
		allocationSize: desc.AllocationSize,
		image:          img,
		memory:         memory,
		handle:         keep,
		device:         ctx.Device,
	}, nil
}

// createExportableImage creates the 2-D single-mip single-layer
// single-sample optimal-tiling BGRA image every surface uses, declared
// exportable as an opaque fd. Usable as color attachment and sampled
// source.
func createExportableImage(dev vk.Device, width, height int32) (vk.Image, error) {
	var img vk.Image
	ret := vk.CreateImage(dev, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    imageFormat,
		Extent: vk.Extent3D{
			Width:  uint32(width),
			Height: uint32(height),
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageSampledBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
		PNext: unsafe.Pointer(&vk.ExternalMemoryImageCreateInfo{
			SType:       vk.StructureTypeExternalMemoryImageCreateInfo,
			HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeOpaqueFdBit),
		}),
	}, nil, &img)
	if ret != vk.Success {
		return vk.NullImage, fmt.Errorf("%w: vkCreateImage returned %d", ErrAllocationFailed, ret)
	}
	return img, nil
}

// findMemoryType selects a memory type for an allocation on phys.
func findMemoryType(phys vk.PhysicalDevice, typeBits uint32, want vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(phys, &memProps)
	memProps.Deref()

	flags := make([]vk.MemoryPropertyFlags, memProps.MemoryTypeCount)
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		flags[i] = memProps.MemoryTypes[i].PropertyFlags
	}
	return pickMemoryType(typeBits, flags, want)
}

// pickMemoryType returns the first index whose bit is set in typeBits and
// whose flags contain every bit of want. Both conditions must hold: an
// index allowed by typeBits alone may live on the wrong heap.
func pickMemoryType(typeBits uint32, flags []vk.MemoryPropertyFlags, want vk.MemoryPropertyFlags) (uint32, error) {
	for i, f := range flags {
		if typeBits&(1<<uint(i)) != 0 && f&want == want {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: no memory type matches bits %#x with properties %#x",
		ErrAllocationFailed, typeBits, want)
}

// Width returns the image width in pixels.
func (im *Image) Width() int32 {
	return im.width
}

// Height returns the image height in pixels.
func (im *Image) Height() int32 {
	return im.height
}

// AllocationSize returns the byte size of the backing device allocation.
// This can exceed width*height*4 when the driver pads for tiling.
func (im *Image) AllocationSize() uint64 {
	return im.allocationSize
}

// VkImage returns the underlying Vulkan image for rendering use.
func (im *Image) VkImage() vk.Image {
	return im.image
}

// Descriptor exports the image as a wire-transferable descriptor. The
// descriptor owns a fresh duplicate of the image's handle; the image
// keeps its own and remains usable.
func (im *Image) Descriptor() (MemoryDescriptor, error) {
	h, err := im.handle.Dup()
	if err != nil {
		return MemoryDescriptor{}, err
	}
	return MemoryDescriptor{
		Handle:         h,
		AllocationSize: im.allocationSize,
		Width:          im.width,
		Height:         im.height,
	}, nil
}

// Free destroys the image, releases its device memory, and closes the
// exported handle. Free is idempotent.
func (im *Image) Free() {
	if im.image != vk.NullImage {
		vk.DestroyImage(im.device, im.image, nil)
		im.image = vk.NullImage
	}
	if im.memory != vk.NullDeviceMemory {
		vk.FreeMemory(im.device, im.memory, nil)
		im.memory = vk.NullDeviceMemory
	}
	_ = im.handle.Close()
}
