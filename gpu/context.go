// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpu manages Vulkan contexts and exportable GPU images.
//
// A Context owns one logical device with a single graphics queue. Images
// allocated from it live in export-capable device memory: the backing
// allocation can be handed to another process as an opaque file descriptor
// and imported there without copying pixels. Export needs the
// VK_KHR_external_memory_fd device extension; a context on a device
// without it still works for everything except exportable allocation.
package gpu

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	vk "github.com/goki/vulkan"
)

// Common errors for GPU contexts and images.
var (
	// ErrNoDevice is returned when no Vulkan implementation or physical
	// device is available.
	ErrNoDevice = errors.New("gpu: no physical device available")

	// ErrCapabilityMissing is returned when the selected device lacks a
	// capability an operation requires, such as a graphics queue family
	// or external-memory export.
	ErrCapabilityMissing = errors.New("gpu: required capability missing")

	// ErrAllocationFailed is returned when creating or binding a device
	// resource fails.
	ErrAllocationFailed = errors.New("gpu: allocation failed")
)

var (
	loaderOnce sync.Once
	loaderErr  error
)

// initLoader loads the Vulkan library once per process.
func initLoader() error {
	loaderOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loaderErr = fmt.Errorf("%w: load vulkan library: %v", ErrNoDevice, err)
			return
		}
		if err := vk.Init(); err != nil {
			loaderErr = fmt.Errorf("%w: init vulkan loader: %v", ErrNoDevice, err)
		}
	})
	return loaderErr
}

// Context owns a Vulkan logical device with a single graphics queue.
//
// Create one per process that produces or consumes GPU surfaces, and pass
// it explicitly to every dependent component. One owner calls Destroy.
type Context struct {
	APIVersion     uint32
	Instance       vk.Instance
	PhysicalDevice vk.PhysicalDevice
	Device         vk.Device
	QueueIndex     uint32
	Queue          vk.Queue

	hasExternalMemoryFd bool
}

// NewContext creates a Vulkan instance, picks a physical device (a
// discrete GPU when present), and creates a logical device with one
// graphics queue. Creation is one-shot: any failure tears down whatever
// was created and returns the error.
func NewContext() (*Context, error) {
	if err := initLoader(); err != nil {
		return nil, err
	}

	c := &Context{APIVersion: vk.MakeVersion(1, 1, 0)}

	var inst vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   "backingstore\x00",
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			ApiVersion:         c.APIVersion,
		},
	}, nil, &inst)
	if ret != vk.Success {
		return nil, fmt.Errorf("%w: vkCreateInstance returned %d", ErrNoDevice, ret)
	}
	c.Instance = inst
	vk.InitInstance(inst)

	if err := c.pickPhysicalDevice(); err != nil {
		c.Destroy()
		return nil, err
	}
	if err := c.createDevice(); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

// pickPhysicalDevice prefers a discrete GPU; among several the last one
// enumerated wins. Without any discrete device the first enumerated
// device is used.
func (c *Context) pickPhysicalDevice() error {
	var count uint32
	if ret := vk.EnumeratePhysicalDevices(c.Instance, &count, nil); ret != vk.Success {
		return fmt.Errorf("%w: vkEnumeratePhysicalDevices returned %d", ErrNoDevice, ret)
	}
	if count == 0 {
		return ErrNoDevice
	}
	devices := make([]vk.PhysicalDevice, count)
	if ret := vk.EnumeratePhysicalDevices(c.Instance, &count, devices); ret != vk.Success {
		return fmt.Errorf("%w: vkEnumeratePhysicalDevices returned %d", ErrNoDevice, ret)
	}

	picked := devices[0]
	for _, dev := range devices {
		var props vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(dev, &props)
		props.Deref()
		if props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu {
			picked = dev
		}
	}
	c.PhysicalDevice = picked
	return nil
}

// createDevice finds the first graphics-capable queue family, enables the
// external-memory extensions when the device offers them, and creates the
// logical device with a single queue from that family.
func (c *Context) createDevice() error {
	var queueCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(c.PhysicalDevice, &queueCount, nil)
	if queueCount == 0 {
		return fmt.Errorf("%w: no queue families", ErrCapabilityMissing)
	}
	families := make([]vk.QueueFamilyProperties, queueCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(c.PhysicalDevice, &queueCount, families)

	found := false
	for i := uint32(0); i < queueCount; i++ {
		families[i].Deref()
		if families[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			c.QueueIndex = i
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: no graphics queue family", ErrCapabilityMissing)
	}

	exts, err := c.deviceExtensions()
	if err != nil {
		return err
	}
	var enable []string
	if hasExtension(exts, vk.KhrExternalMemoryExtensionName) {
		enable = append(enable, vk.KhrExternalMemoryExtensionName)
	}
	if hasExtension(exts, vk.KhrExternalMemoryFdExtensionName) {
		enable = append(enable, vk.KhrExternalMemoryFdExtensionName)
		c.hasExternalMemoryFd = true
	}

	var device vk.Device
	ret := vk.CreateDevice(c.PhysicalDevice, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: c.QueueIndex,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		}},
		EnabledExtensionCount:   uint32(len(enable)),
		PpEnabledExtensionNames: enable,
	}, nil, &device)
	if ret != vk.Success {
		return fmt.Errorf("%w: vkCreateDevice returned %d", ErrAllocationFailed, ret)
	}
	c.Device = device

	var queue vk.Queue
	vk.GetDeviceQueue(c.Device, c.QueueIndex, 0, &queue)
	c.Queue = queue
	return nil
}

// deviceExtensions lists the extensions available on the selected
// physical device.
func (c *Context) deviceExtensions() ([]string, error) {
	var count uint32
	if ret := vk.EnumerateDeviceExtensionProperties(c.PhysicalDevice, "", &count, nil); ret != vk.Success {
		return nil, fmt.Errorf("%w: vkEnumerateDeviceExtensionProperties returned %d", ErrNoDevice, ret)
	}
	list := make([]vk.ExtensionProperties, count)
	if ret := vk.EnumerateDeviceExtensionProperties(c.PhysicalDevice, "", &count, list); ret != vk.Success {
		return nil, fmt.Errorf("%w: vkEnumerateDeviceExtensionProperties returned %d", ErrNoDevice, ret)
	}
	names := make([]string, 0, count)
	for _, ext := range list {
		ext.Deref()
		names = append(names, vk.ToString(ext.ExtensionName[:]))
	}
	return names, nil
}

// hasExtension reports whether name appears in names. Extension name
// constants from the binding carry a trailing NUL.
func hasExtension(names []string, name string) bool {
	return slices.Contains(names, strings.TrimRight(name, "\x00"))
}

// SupportsExternalMemory reports whether the device can export image
// memory as opaque file descriptors.
func (c *Context) SupportsExternalMemory() bool {
	return c.hasExternalMemoryFd
}

// Destroy waits for the device to go idle, then releases the device and
// instance. Destroy is idempotent.
func (c *Context) Destroy() {
	if c.Device != nil {
		vk.DeviceWaitIdle(c.Device)
		vk.DestroyDevice(c.Device, nil)
		c.Device = nil
		c.Queue = nil
	}
	if c.Instance != nil {
		vk.DestroyInstance(c.Instance, nil)
		c.Instance = nil
	}
	c.PhysicalDevice = nil
}
